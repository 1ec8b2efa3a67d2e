package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Segment is one transcribed span of the meeting. Offsets are relative to
// session start.
type Segment struct {
	StartOffset time.Duration `json:"start_offset"`
	EndOffset   time.Duration `json:"end_offset"`
	Text        string        `json:"text"`
	ProducedAt  time.Time     `json:"produced_at"`
}

// Transcript is the append-only ordered sequence of segments for one
// session. A single writer (the batch processor) appends; readers take
// snapshots instead of holding the lock across I/O.
type Transcript struct {
	mu        sync.RWMutex
	segments  []Segment
	wordCount int
}

func New() *Transcript {
	return &Transcript{}
}

// Append adds a segment, enforcing that StartOffset never decreases across
// the transcript. A violating segment is rejected rather than silently
// reordered.
func (t *Transcript) Append(seg Segment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.segments); n > 0 {
		if last := t.segments[n-1]; seg.StartOffset < last.StartOffset {
			return fmt.Errorf("segment start offset %v precedes last appended offset %v",
				seg.StartOffset, last.StartOffset)
		}
	}
	t.segments = append(t.segments, seg)
	t.wordCount += len(strings.Fields(seg.Text))
	return nil
}

// Snapshot returns a copy of the segments appended so far.
func (t *Transcript) Snapshot() []Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Segment(nil), t.segments...)
}

// Len returns the number of segments.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segments)
}

// WordCount returns the running word count across all segments.
func (t *Transcript) WordCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.wordCount
}

// Text joins all segment texts in append order, separated by single spaces.
func (t *Transcript) Text() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	parts := make([]string, 0, len(t.segments))
	for _, seg := range t.segments {
		if s := strings.TrimSpace(seg.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
