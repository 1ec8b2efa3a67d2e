package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
	"github.com/openscribe/scribe-core/internal/audio"
	"github.com/openscribe/scribe-core/internal/config"
)

// execEngine shells out to a whisper.cpp style binary: the batch is written
// to a temporary WAV file and the transcript is read back as JSON from
// stdout.
type execEngine struct {
	cfg   config.STTEngineConfig
	cmd   []string
	mu    sync.Mutex
	ready atomic.Bool
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecEngine builds an exec engine from config without touching the
// filesystem; path checks happen in Initialize.
func NewExecEngine(cfg config.STTEngineConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cfg: cfg, cmd: args}, nil
}

func (e *execEngine) Initialize(_ context.Context) error {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("stt binary not found: %w", err)
	}
	if e.cfg.ModelPath != "" {
		if _, err := os.Stat(e.cfg.ModelPath); err != nil {
			return fmt.Errorf("stt model not found: %w", err)
		}
	}
	e.ready.Store(true)
	return nil
}

func (e *execEngine) Ready() bool { return e.ready.Load() }

func (e *execEngine) TranscribeStream(ctx context.Context, batch audio.Batch) ([]Result, error) {
	if !e.ready.Load() {
		return nil, fmt.Errorf("engine not initialized")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scribe_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, batch.PCM(), batch.SampleRate(), batch.Channels()); err != nil {
		return nil, err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	if e.cfg.ModelSize != "" {
		args = append(args, "--model-size", e.cfg.ModelSize)
	}
	if e.cfg.Language != "" && e.cfg.Language != "auto" {
		args = append(args, "--language", e.cfg.Language)
	}
	if e.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(e.cfg.Threads))
	}
	if e.cfg.Translate {
		args = append(args, "--translate")
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	if resp.Text == "" {
		return nil, nil
	}
	return []Result{{
		Text:       resp.Text,
		End:        batch.Duration(),
		Confidence: resp.Confidence,
	}}, nil
}

func (e *execEngine) Shutdown() { e.ready.Store(false) }

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
