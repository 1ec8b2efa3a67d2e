package summarize

import (
	"context"
	"fmt"

	"github.com/openscribe/scribe-core/internal/config"
)

// Summary is the finished digest of a meeting transcript.
type Summary struct {
	Text        string   `json:"text"`
	ActionItems []string `json:"action_items,omitempty"`
	KeyPoints   []string `json:"key_points,omitempty"`
}

// Options tunes a single summarization call. Zero values fall back to the
// engine's configuration.
type Options struct {
	MaxTokens   int
	ActionItems bool
	KeyPoints   bool
}

// Engine abstracts summarization backends behind the cache lifecycle.
type Engine interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Summarize(ctx context.Context, text string, opts Options) (Summary, error)
	Shutdown()
}

// NewFromConfig builds an unloaded engine for the configured mode.
func NewFromConfig(cfg config.SummarizeEngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockEngine(), nil
	case "ollama":
		return NewOllamaEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported summarization engine mode %q", cfg.Mode)
	}
}
