package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/openscribe/scribe-core/internal/audio"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/engine"
	"github.com/openscribe/scribe-core/internal/engine/stt"
	"github.com/openscribe/scribe-core/internal/notify"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/transcript"
)

// BatchProcessor is the single consumer of a session's ingestion queue. It
// aggregates chunks into time windows, hands each window to the current STT
// engine, and appends the results to the transcript in arrival order.
//
// A window flushes when it holds the target duration of audio, or when the
// oldest chunk in it has waited the maximum wait. On shutdown the processor
// drains whatever the queue still holds before exiting.
type BatchProcessor struct {
	sessionID  string
	queue      *audio.Queue
	transcript *transcript.Transcript
	engines    *engine.Cache[stt.Engine]
	engineName string
	cfg        config.PipelineConfig
	notifier   notify.Notifier
	log        *slog.Logger

	processed time.Duration
	failures  int
	onFatal   func(error)

	done chan struct{}

	batchCounter   metric.Int64Counter
	failureCounter metric.Int64Counter
}

// NewBatchProcessor wires a processor for one session. onFatal is invoked at
// most once, when consecutive transcription failures reach the configured
// limit and the pipeline is set to fail the session.
func NewBatchProcessor(
	sessionID string,
	queue *audio.Queue,
	tr *transcript.Transcript,
	engines *engine.Cache[stt.Engine],
	engineName string,
	cfg config.PipelineConfig,
	notifier notify.Notifier,
	log *slog.Logger,
	onFatal func(error),
) *BatchProcessor {
	p := &BatchProcessor{
		sessionID:  sessionID,
		queue:      queue,
		transcript: tr,
		engines:    engines,
		engineName: engineName,
		cfg:        cfg,
		notifier:   notifier,
		log:        log.With(slog.String("component", "batch-processor"), slog.String("session_id", sessionID)),
		onFatal:    onFatal,
		done:       make(chan struct{}),
	}
	meter := otel.Meter("github.com/openscribe/scribe-core/session")
	if counter, err := meter.Int64Counter("scribe.pipeline.batches",
		metric.WithDescription("Audio batches handed to the STT engine")); err == nil {
		p.batchCounter = counter
	}
	if counter, err := meter.Int64Counter("scribe.pipeline.failures",
		metric.WithDescription("Failed transcription batches")); err == nil {
		p.failureCounter = counter
	}
	return p
}

// Done is closed when the processor has drained and exited.
func (p *BatchProcessor) Done() <-chan struct{} { return p.done }

// Run consumes the queue until ctx is cancelled, then drains. It never
// returns transcription errors; those are counted and reported through the
// notifier.
func (p *BatchProcessor) Run(ctx context.Context) {
	defer close(p.done)

	target := time.Duration(p.cfg.TargetWindowMS) * time.Millisecond
	maxWait := time.Duration(p.cfg.MaxWaitMS) * time.Millisecond

	var window []audio.Chunk
	var windowDur time.Duration
	var windowOpened time.Time

	for {
		wait := target
		if len(window) > 0 {
			wait = maxWait - time.Since(windowOpened)
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}

		// A chunk can win the dequeue concurrently with cancellation;
		// it belongs to the window so the drain below still flushes it.
		chunk, ok := p.queue.Dequeue(ctx, wait)
		if ok {
			if len(window) == 0 {
				windowOpened = time.Now()
			}
			window = append(window, chunk)
			windowDur += chunk.Duration()
		}
		if ctx.Err() != nil {
			window = p.drain(window)
			if len(window) > 0 {
				p.log.Warn("drain timeout exceeded, discarding buffered audio",
					slog.Int("chunks", len(window)))
			}
			return
		}

		if len(window) > 0 && (windowDur >= target || time.Since(windowOpened) >= maxWait) {
			p.flush(ctx, audio.Batch{Chunks: window})
			window = nil
			windowDur = 0
		}
	}
}

// drain empties the queue and flushes the remainder in target-sized batches,
// bounded by the drain timeout. Returns any chunks left unflushed.
func (p *BatchProcessor) drain(window []audio.Chunk) []audio.Chunk {
	for {
		chunk, ok := p.queue.TryDequeue()
		if !ok {
			break
		}
		window = append(window, chunk)
	}
	if len(window) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(p.cfg.DrainTimeoutMS)*time.Millisecond)
	defer cancel()

	target := time.Duration(p.cfg.TargetWindowMS) * time.Millisecond
	var batch []audio.Chunk
	var batchDur time.Duration
	for i, chunk := range window {
		if ctx.Err() != nil {
			return window[i-len(batch):]
		}
		batch = append(batch, chunk)
		batchDur += chunk.Duration()
		if batchDur >= target {
			p.flush(ctx, audio.Batch{Chunks: batch})
			batch = nil
			batchDur = 0
		}
	}
	if len(batch) > 0 && ctx.Err() == nil {
		p.flush(ctx, audio.Batch{Chunks: batch})
		batch = nil
	}
	return batch
}

// flush transcribes one batch and appends the resulting segments. Offsets
// returned by the engine are batch-relative; flush rebases them onto the
// running session timeline before appending.
func (p *BatchProcessor) flush(ctx context.Context, batch audio.Batch) {
	if len(batch.Chunks) == 0 {
		return
	}
	base := p.processed
	p.processed += batch.Duration()

	if p.batchCounter != nil {
		p.batchCounter.Add(context.Background(), 1)
	}

	eng, name, ok := p.engines.Current()
	if !ok {
		loaded, err := p.engines.GetOrLoad(ctx, p.engineName)
		if err != nil {
			p.recordFailure(fmt.Errorf("load stt engine %q: %w", p.engineName, err))
			return
		}
		eng, name = loaded, p.engineName
	}

	results, err := eng.TranscribeStream(ctx, batch)
	if err != nil {
		p.recordFailure(fmt.Errorf("transcribe with %q: %w", name, err))
		return
	}
	p.failures = 0

	for _, r := range results {
		end := r.End
		if end == 0 {
			end = batch.Duration()
		}
		seg := transcript.Segment{
			StartOffset: base + r.Start,
			EndOffset:   base + end,
			Text:        r.Text,
			ProducedAt:  time.Now(),
		}
		if err := p.transcript.Append(seg); err != nil {
			p.log.Warn("discarding out-of-order segment", slog.String("error", err.Error()))
			continue
		}
		p.notifier.Emit(protocol.Event{
			Type:      protocol.EventSegmentAppended,
			SessionID: p.sessionID,
			Timestamp: seg.ProducedAt,
			Segment: &protocol.SegmentPayload{
				StartOffsetMS: seg.StartOffset.Milliseconds(),
				EndOffsetMS:   seg.EndOffset.Milliseconds(),
				Text:          seg.Text,
				ProducedAt:    seg.ProducedAt,
			},
		})
	}
}

// recordFailure counts a failed batch. The batch's audio is not retried; the
// session keeps its timeline and moves on. A single failure stays local
// (log + metric); reaching the consecutive failure limit escalates once per
// streak with a session-level error event, marked fatal only when the
// pipeline is configured to fail the session.
func (p *BatchProcessor) recordFailure(err error) {
	p.failures++
	if p.failureCounter != nil {
		p.failureCounter.Add(context.Background(), 1)
	}
	p.log.Warn("transcription batch failed",
		slog.Int("consecutive", p.failures),
		slog.String("error", err.Error()))

	if p.failures != p.cfg.MaxConsecutiveFailures {
		return
	}
	fatal := p.cfg.FailSessionOnErrors
	p.notifier.Emit(protocol.Event{
		Type:      protocol.EventSessionError,
		SessionID: p.sessionID,
		Timestamp: time.Now(),
		Error:     err.Error(),
		Fatal:     fatal,
	})
	if fatal && p.onFatal != nil {
		p.onFatal(fmt.Errorf("%d consecutive transcription failures: %w", p.failures, err))
	}
}
