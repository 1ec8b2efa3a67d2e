package stt

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/openscribe/scribe-core/internal/audio"
)

type mockEngine struct {
	ready atomic.Bool
}

// NewMockEngine returns an engine producing deterministic placeholder text.
func NewMockEngine() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Initialize(_ context.Context) error {
	m.ready.Store(true)
	return nil
}

func (m *mockEngine) Ready() bool { return m.ready.Load() }

func (m *mockEngine) TranscribeStream(_ context.Context, batch audio.Batch) ([]Result, error) {
	if !m.ready.Load() {
		return nil, fmt.Errorf("engine not initialized")
	}
	dur := batch.Duration()
	return []Result{{
		Text: fmt.Sprintf("[transcript %dms %d chunks]", dur.Milliseconds(), len(batch.Chunks)),
		End:  dur,
	}}, nil
}

func (m *mockEngine) Shutdown() { m.ready.Store(false) }
