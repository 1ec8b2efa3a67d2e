package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openscribe/scribe-core/internal/audio"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/engine"
	"github.com/openscribe/scribe-core/internal/engine/stt"
	"github.com/openscribe/scribe-core/internal/engine/summarize"
	"github.com/openscribe/scribe-core/internal/protocol"
)

type fakeSTT struct {
	mu      sync.Mutex
	calls   int
	failOn  map[int]bool
	failAll bool
	initErr error
	batches []audio.Batch
}

func (f *fakeSTT) Initialize(context.Context) error { return f.initErr }
func (f *fakeSTT) Ready() bool                      { return true }
func (f *fakeSTT) Shutdown()                        {}

func (f *fakeSTT) TranscribeStream(_ context.Context, batch audio.Batch) ([]stt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, batch)
	if f.failAll || f.failOn[f.calls] {
		return nil, errors.New("decode failed")
	}
	return []stt.Result{{
		Text: fmt.Sprintf("segment %d", f.calls),
		End:  batch.Duration(),
	}}, nil
}

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type manualSource struct {
	mu sync.Mutex
	fn func(audio.Chunk)
}

func (s *manualSource) Subscribe(fn func(audio.Chunk)) (audio.Subscription, error) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return manualSubscription{s}, nil
}

func (s *manualSource) push(c audio.Chunk) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

type manualSubscription struct{ s *manualSource }

func (m manualSubscription) Unsubscribe() {
	m.s.mu.Lock()
	m.s.fn = nil
	m.s.mu.Unlock()
}

type captureNotifier struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (n *captureNotifier) Emit(e protocol.Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

func (n *captureNotifier) ofType(t protocol.EventType) []protocol.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []protocol.Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Audio = config.AudioConfig{SampleRate: 16000, Channels: 1, ChunkDurationMS: 25, QueueSeconds: 1}
	cfg.Pipeline = config.PipelineConfig{
		TargetWindowMS:         50,
		MaxWaitMS:              100,
		DrainTimeoutMS:         1000,
		MaxConsecutiveFailures: 2,
	}
	cfg.Engines.DefaultSTT = "fake"
	cfg.Engines.DefaultSummarization = "mock"
	cfg.Engines.LoadRetries = 0
	cfg.Session.AutoSummarize = true
	return cfg
}

func newTestController(t *testing.T, cfg config.Config, eng *fakeSTT) (*Controller, *manualSource, *captureNotifier) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))

	sttCache := engine.NewCache[stt.Engine](engine.CapabilitySTT, cfg.Engines.MaxCachedModels, log)
	sttCache.Register("fake", func() (stt.Engine, error) { return eng, nil })

	sumCache := engine.NewCache[summarize.Engine](engine.CapabilitySummarization, cfg.Engines.MaxCachedModels, log)
	sumCache.Register("mock", func() (summarize.Engine, error) { return summarize.NewMockEngine(), nil })

	source := &manualSource{}
	notifier := &captureNotifier{}
	ctrl := NewController(cfg, source, sttCache, sumCache, nil, notifier, log)
	return ctrl, source, notifier
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

// pcmChunk returns 25ms of silent audio at 16kHz mono.
func pcmChunk(seq uint64) audio.Chunk {
	return audio.Chunk{
		Sequence:   seq,
		PCM:        make([]byte, 800),
		SampleRate: 16000,
		Channels:   1,
		Captured:   time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionLifecycle(t *testing.T) {
	eng := &fakeSTT{}
	ctrl, source, notifier := newTestController(t, testConfig(), eng)

	info, err := ctrl.StartSession(context.Background(), StartRequest{
		Title:        "weekly sync",
		Participants: []string{"ana", "bram"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.ID == "" || info.State != "recording" {
		t.Fatalf("unexpected info %+v", info)
	}

	for i := uint64(1); i <= 4; i++ {
		source.push(pcmChunk(i))
	}
	waitFor(t, 2*time.Second, "two transcribed batches", func() bool {
		return eng.callCount() >= 2
	})

	status := ctrl.LiveStatus()
	if status.State != "recording" {
		t.Errorf("live state = %q", status.State)
	}
	if status.Accepted != 4 {
		t.Errorf("accepted = %d, want 4", status.Accepted)
	}

	final, err := ctrl.StopSession(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final.State != "completed" {
		t.Fatalf("final state = %q, error = %q", final.State, final.Error)
	}
	if len(final.Segments) < 2 {
		t.Fatalf("got %d segments, want >= 2", len(final.Segments))
	}
	for i := 1; i < len(final.Segments); i++ {
		if final.Segments[i].StartOffset < final.Segments[i-1].StartOffset {
			t.Errorf("segment %d starts at %v before segment %d at %v",
				i, final.Segments[i].StartOffset, i-1, final.Segments[i-1].StartOffset)
		}
	}
	if final.Summary == nil || final.Summary.Text == "" {
		t.Error("expected a summary")
	}

	if got := len(notifier.ofType(protocol.EventSessionStarted)); got != 1 {
		t.Errorf("started events = %d", got)
	}
	if got := len(notifier.ofType(protocol.EventSegmentAppended)); got < 2 {
		t.Errorf("segment events = %d", got)
	}
	if got := len(notifier.ofType(protocol.EventSessionStopped)); got != 1 {
		t.Errorf("stopped events = %d", got)
	}
	if got := len(notifier.ofType(protocol.EventSummaryReady)); got != 1 {
		t.Errorf("summary events = %d", got)
	}
}

func TestStartWhileActive(t *testing.T) {
	ctrl, _, _ := newTestController(t, testConfig(), &fakeSTT{})
	if _, err := ctrl.StartSession(context.Background(), StartRequest{Title: "first"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ctrl.StopSession(context.Background())

	if _, err := ctrl.StartSession(context.Background(), StartRequest{Title: "second"}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("got %v, want ErrSessionActive", err)
	}
}

func TestStartEngineLoadFailure(t *testing.T) {
	eng := &fakeSTT{initErr: errors.New("model file corrupt")}
	ctrl, _, _ := newTestController(t, testConfig(), eng)

	_, err := ctrl.StartSession(context.Background(), StartRequest{Title: "doomed"})
	if err == nil {
		t.Fatal("expected start to fail")
	}
	var initErr *engine.InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected InitError, got %v", err)
	}
	if status := ctrl.LiveStatus(); status.State != "idle" {
		t.Errorf("state after failed start = %q", status.State)
	}
	if _, err := ctrl.StopSession(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("stop after failed start = %v", err)
	}
}

func TestDoubleStopIdempotent(t *testing.T) {
	ctrl, source, _ := newTestController(t, testConfig(), &fakeSTT{})
	if _, err := ctrl.StartSession(context.Background(), StartRequest{Title: "meeting"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	source.push(pcmChunk(1))
	source.push(pcmChunk(2))

	first, err := ctrl.StopSession(context.Background())
	if err != nil {
		t.Fatalf("first stop: %v", err)
	}
	second, err := ctrl.StopSession(context.Background())
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if first.ID != second.ID || !first.EndedAt.Equal(second.EndedAt) {
		t.Errorf("stops disagree: %+v vs %+v", first, second)
	}
	if len(first.Segments) != len(second.Segments) {
		t.Errorf("segment counts differ: %d vs %d", len(first.Segments), len(second.Segments))
	}
}

func TestBatchFailureDoesNotFailSession(t *testing.T) {
	eng := &fakeSTT{failOn: map[int]bool{2: true}}
	ctrl, source, notifier := newTestController(t, testConfig(), eng)
	if _, err := ctrl.StartSession(context.Background(), StartRequest{Title: "flaky"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := uint64(1); i <= 6; i++ {
		source.push(pcmChunk(i))
	}
	waitFor(t, 2*time.Second, "three batches", func() bool { return eng.callCount() >= 3 })

	final, err := ctrl.StopSession(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final.State != "completed" {
		t.Fatalf("final state = %q, want completed", final.State)
	}
	if len(final.Segments) < 2 {
		t.Fatalf("got %d segments, want >= 2", len(final.Segments))
	}

	// One isolated failure stays local: logged and counted, never published.
	if errEvents := notifier.ofType(protocol.EventSessionError); len(errEvents) != 0 {
		t.Fatalf("single batch failure emitted %d session_error events: %+v", len(errEvents), errEvents)
	}
}

func TestConsecutiveFailuresEmitErrorEventWithoutOptIn(t *testing.T) {
	eng := &fakeSTT{failAll: true}
	ctrl, source, notifier := newTestController(t, testConfig(), eng)
	if _, err := ctrl.StartSession(context.Background(), StartRequest{Title: "degraded"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := uint64(1); i <= 6; i++ {
		source.push(pcmChunk(i))
	}
	waitFor(t, 2*time.Second, "failure limit", func() bool { return eng.callCount() >= 2 })

	final, err := ctrl.StopSession(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Without the opt-in the session keeps running and completes normally.
	if final.State != "completed" {
		t.Fatalf("final state = %q, want completed", final.State)
	}

	errEvents := notifier.ofType(protocol.EventSessionError)
	if len(errEvents) != 1 {
		t.Fatalf("expected one escalation event, got %d: %+v", len(errEvents), errEvents)
	}
	if errEvents[0].Fatal {
		t.Errorf("escalation without opt-in marked fatal: %+v", errEvents[0])
	}
}

func TestConsecutiveFailuresFailSession(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.FailSessionOnErrors = true
	eng := &fakeSTT{failAll: true}
	ctrl, source, notifier := newTestController(t, cfg, eng)
	if _, err := ctrl.StartSession(context.Background(), StartRequest{Title: "broken"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := uint64(1); i <= 8; i++ {
		source.push(pcmChunk(i))
	}
	waitFor(t, 3*time.Second, "session to fail", func() bool {
		return ctrl.LiveStatus().State == "error"
	})

	final, err := ctrl.StopSession(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final.State != "error" || final.Error == "" {
		t.Fatalf("final = %+v", final)
	}
	if final.Summary != nil {
		t.Error("failed session should not be summarized")
	}

	fatal := false
	for _, e := range notifier.ofType(protocol.EventSessionError) {
		if e.Fatal {
			fatal = true
		}
	}
	if !fatal {
		t.Error("expected a fatal session_error event")
	}
}

func TestStopDrainsQueuedAudio(t *testing.T) {
	eng := &fakeSTT{}
	ctrl, source, _ := newTestController(t, testConfig(), eng)
	if _, err := ctrl.StartSession(context.Background(), StartRequest{Title: "short"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Less audio than one target window: nothing flushes until stop.
	source.push(pcmChunk(1))

	final, err := ctrl.StopSession(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final.State != "completed" {
		t.Fatalf("final state = %q", final.State)
	}
	if len(final.Segments) != 1 {
		t.Fatalf("got %d segments, want 1 from drain", len(final.Segments))
	}
	if got := final.Segments[0].EndOffset; got != 25*time.Millisecond {
		t.Errorf("drained segment covers %v, want 25ms", got)
	}
}

func TestSummarizeTextOneShot(t *testing.T) {
	ctrl, _, _ := newTestController(t, testConfig(), &fakeSTT{})
	sum, err := ctrl.SummarizeText(context.Background(), "we shipped the thing", summarize.Options{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Text == "" {
		t.Fatal("expected summary text")
	}
}

func TestSwitchEngineUnknownCapability(t *testing.T) {
	ctrl, _, _ := newTestController(t, testConfig(), &fakeSTT{})
	if err := ctrl.SwitchEngine(context.Background(), engine.Capability("tts"), "x"); err == nil {
		t.Fatal("expected error for unknown capability")
	}
	if err := ctrl.SwitchEngine(context.Background(), engine.CapabilitySTT, "missing"); !errors.Is(err, engine.ErrNotRegistered) {
		t.Fatalf("got %v, want ErrNotRegistered", err)
	}
}
