package summarize

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

type mockEngine struct {
	ready atomic.Bool
}

// NewMockEngine returns an engine producing a deterministic digest.
func NewMockEngine() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Initialize(_ context.Context) error {
	m.ready.Store(true)
	return nil
}

func (m *mockEngine) Ready() bool { return m.ready.Load() }

func (m *mockEngine) Summarize(_ context.Context, text string, _ Options) (Summary, error) {
	if !m.ready.Load() {
		return Summary{}, fmt.Errorf("engine not initialized")
	}
	words := len(strings.Fields(text))
	return Summary{
		Text: fmt.Sprintf("[summary of %d words]", words),
	}, nil
}

func (m *mockEngine) Shutdown() { m.ready.Store(false) }
