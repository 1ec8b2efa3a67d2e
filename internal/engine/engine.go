package engine

import (
	"context"
	"errors"
	"fmt"
)

// Capability classes an engine by what it infers.
type Capability string

const (
	CapabilitySTT           Capability = "stt"
	CapabilitySummarization Capability = "summarization"
)

// State tracks an instance through its cache lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

var (
	// ErrNotRegistered is returned when no factory exists for a name.
	ErrNotRegistered = errors.New("engine not registered")
	// ErrBusy is returned by Switch when the same engine is already
	// mid-load.
	ErrBusy = errors.New("engine load already in progress")
)

// InitError wraps a failed engine initialization. The failed instance is
// never cached.
type InitError struct {
	Name string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("engine %q failed to initialize: %v", e.Name, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Instance is a loadable engine handle. Initialize is the only model-bound
// call in the lifecycle; it may be slow and must be safe to run off the
// caller's goroutine.
type Instance interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Shutdown()
}

// Factory builds an unloaded instance for a registered engine name.
type Factory[E Instance] func() (E, error)

// Status describes one cached engine for status reporting.
type Status struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Current  bool   `json:"current"`
	Ready    bool   `json:"ready"`
	LoadSeq  uint64 `json:"load_seq"`
	LastUsed string `json:"last_used,omitempty"`
}
