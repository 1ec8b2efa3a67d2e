package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/openscribe/scribe-core/internal/audio"
	"github.com/openscribe/scribe-core/internal/config"
)

// Result is one transcribed span within a batch. Offsets are relative to
// the batch start.
type Result struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Engine abstracts speech-to-text backends behind the cache lifecycle.
type Engine interface {
	Initialize(ctx context.Context) error
	Ready() bool
	TranscribeStream(ctx context.Context, batch audio.Batch) ([]Result, error)
	Shutdown()
}

// NewFromConfig builds an unloaded engine for the configured mode.
func NewFromConfig(cfg config.STTEngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockEngine(), nil
	case "exec":
		return NewExecEngine(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt engine mode %q", cfg.Mode)
	}
}
