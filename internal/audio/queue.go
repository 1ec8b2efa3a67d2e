package audio

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Queue is the bounded buffer between audio capture and the batch
// processor. Enqueue never blocks the capture callback: at capacity the
// chunk is dropped and counted. Exactly one consumer must drain the queue;
// segment ordering downstream depends on it.
type Queue struct {
	ch       chan Chunk
	accepted atomic.Uint64
	dropped  atomic.Uint64
	log      *slog.Logger

	dropCounter metric.Int64Counter
}

// NewQueue creates a queue holding up to capacity chunks.
func NewQueue(capacity int, log *slog.Logger) *Queue {
	q := &Queue{
		ch:  make(chan Chunk, capacity),
		log: log.With(slog.String("component", "ingestion-queue")),
	}
	meter := otel.Meter("github.com/openscribe/scribe-core/audio")
	counter, err := meter.Int64Counter("scribe.audio.chunks_dropped",
		metric.WithDescription("Chunks dropped because the ingestion queue was full"))
	if err != nil {
		q.log.Warn("failed to initialize drop counter", slog.String("error", err.Error()))
	} else {
		q.dropCounter = counter
	}
	return q
}

// Enqueue offers a chunk without blocking. Returns false when the queue is
// full and the chunk was dropped.
func (q *Queue) Enqueue(c Chunk) bool {
	select {
	case q.ch <- c:
		q.accepted.Add(1)
		return true
	default:
		dropped := q.dropped.Add(1)
		if q.dropCounter != nil {
			q.dropCounter.Add(context.Background(), 1)
		}
		if dropped == 1 || dropped%100 == 0 {
			q.log.Warn("ingestion queue full, dropping audio",
				slog.Uint64("sequence", c.Sequence),
				slog.Uint64("total_dropped", dropped))
		}
		return false
	}
}

// Dequeue removes the oldest chunk, waiting up to timeout. The second
// return is false when the wait expired or ctx was cancelled.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Chunk, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-q.ch:
		return c, true
	case <-timer.C:
		return Chunk{}, false
	case <-ctx.Done():
		return Chunk{}, false
	}
}

// TryDequeue removes the oldest chunk without waiting.
func (q *Queue) TryDequeue() (Chunk, bool) {
	select {
	case c := <-q.ch:
		return c, true
	default:
		return Chunk{}, false
	}
}

// Len returns the number of buffered chunks.
func (q *Queue) Len() int { return len(q.ch) }

// Accepted returns the number of chunks accepted so far.
func (q *Queue) Accepted() uint64 { return q.accepted.Load() }

// Dropped returns the number of chunks rejected at capacity.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
