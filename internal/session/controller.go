package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openscribe/scribe-core/internal/audio"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/engine"
	"github.com/openscribe/scribe-core/internal/engine/stt"
	"github.com/openscribe/scribe-core/internal/engine/summarize"
	"github.com/openscribe/scribe-core/internal/notify"
	"github.com/openscribe/scribe-core/internal/protocol"
	"github.com/openscribe/scribe-core/internal/transcript"
)

var (
	// ErrSessionActive is returned by StartSession while another session
	// is recording.
	ErrSessionActive = errors.New("a session is already active")
	// ErrNoActiveSession is returned by StopSession when nothing was ever
	// started.
	ErrNoActiveSession = errors.New("no active session")
)

// StartRequest describes a session to begin.
type StartRequest struct {
	Title        string   `json:"title"`
	Participants []string `json:"participants,omitempty"`
	STTEngine    string   `json:"stt_engine,omitempty"`
}

// Info identifies a started session.
type Info struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Participants []string  `json:"participants,omitempty"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
}

// FinalizedSession is the immutable result of a stopped session.
type FinalizedSession struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Participants []string             `json:"participants,omitempty"`
	State        string               `json:"state"`
	StartedAt    time.Time            `json:"started_at"`
	EndedAt      time.Time            `json:"ended_at"`
	Segments     []transcript.Segment `json:"segments"`
	WordCount    int                  `json:"word_count"`
	Summary      *summarize.Summary   `json:"summary,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// LiveStatus is a point-in-time view of the active session.
type LiveStatus struct {
	SessionID  string        `json:"session_id,omitempty"`
	State      string        `json:"state"`
	Elapsed    time.Duration `json:"elapsed_ns,omitempty"`
	Segments   int           `json:"segments"`
	WordCount  int           `json:"word_count"`
	QueueDepth int           `json:"queue_depth"`
	Accepted   uint64        `json:"chunks_accepted"`
	Dropped    uint64        `json:"chunks_dropped"`
	STTEngine  string        `json:"stt_engine,omitempty"`
}

// Store persists finished sessions and their event trail. Implementations
// must tolerate being called from multiple goroutines.
type Store interface {
	RecordEvent(ctx context.Context, event protocol.Event) error
	SaveSession(ctx context.Context, final FinalizedSession) error
}

// Controller owns the session lifecycle: one session at a time, from
// StartSession through recording to the finalized transcript and summary.
type Controller struct {
	cfg      config.Config
	source   audio.Source
	stt      *engine.Cache[stt.Engine]
	sum      *engine.Cache[summarize.Engine]
	store    Store
	notifier notify.Notifier
	log      *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	starting bool
	active   *activeSession
	last     *FinalizedSession
}

type activeSession struct {
	info       Info
	sttName    string
	transcript *transcript.Transcript
	queue      *audio.Queue
	sub        audio.Subscription
	proc       *BatchProcessor
	cancelProc context.CancelFunc

	mu       sync.Mutex
	state    State
	fatalErr error

	stopOnce sync.Once
	final    FinalizedSession
}

// NewController builds a controller. store may be nil when persistence is
// disabled.
func NewController(
	cfg config.Config,
	source audio.Source,
	sttCache *engine.Cache[stt.Engine],
	sumCache *engine.Cache[summarize.Engine],
	store Store,
	notifier notify.Notifier,
	log *slog.Logger,
) *Controller {
	return &Controller{
		cfg:      cfg,
		source:   source,
		stt:      sttCache,
		sum:      sumCache,
		store:    store,
		notifier: notifier,
		log:      log.With(slog.String("component", "session-controller")),
		clock:    time.Now,
	}
}

// StartSession begins recording. It fails without creating a session when
// one is already active or, with synchronous loading, when the STT engine
// cannot initialize.
func (c *Controller) StartSession(ctx context.Context, req StartRequest) (Info, error) {
	c.mu.Lock()
	if c.active != nil || c.starting {
		c.mu.Unlock()
		return Info{}, ErrSessionActive
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	engineName := req.STTEngine
	if engineName == "" {
		engineName = c.cfg.Engines.DefaultSTT
	}

	if c.cfg.Engines.AsyncLoad {
		go func() {
			if err := c.switchWithRetries(context.Background(), engineName); err != nil {
				c.log.Error("background stt engine load failed",
					slog.String("engine", engineName),
					slog.String("error", err.Error()))
			}
		}()
	} else {
		if err := c.switchWithRetries(ctx, engineName); err != nil {
			return Info{}, fmt.Errorf("load stt engine %q: %w", engineName, err)
		}
	}

	now := c.clock()
	sess := &activeSession{
		info: Info{
			ID:           uuid.NewString(),
			Title:        req.Title,
			Participants: req.Participants,
			StartedAt:    now,
		},
		sttName:    engineName,
		transcript: transcript.New(),
		state:      StateIdle,
	}

	capacity := c.cfg.Audio.QueueSeconds * 1000 / c.cfg.Audio.ChunkDurationMS
	sess.queue = audio.NewQueue(capacity, c.log)

	procCtx, cancel := context.WithCancel(context.Background())
	sess.cancelProc = cancel
	sess.proc = NewBatchProcessor(
		sess.info.ID,
		sess.queue,
		sess.transcript,
		c.stt,
		engineName,
		c.cfg.Pipeline,
		c.emitter(),
		c.log,
		func(err error) { c.failSession(sess, err) },
	)

	sub, err := c.source.Subscribe(func(chunk audio.Chunk) {
		sess.queue.Enqueue(chunk)
	})
	if err != nil {
		cancel()
		return Info{}, fmt.Errorf("subscribe audio source: %w", err)
	}
	sess.sub = sub

	if err := sess.transition(StateRecording); err != nil {
		sub.Unsubscribe()
		cancel()
		return Info{}, err
	}
	sess.info.State = StateRecording.String()

	c.mu.Lock()
	c.active = sess
	c.mu.Unlock()

	go sess.proc.Run(procCtx)

	c.emit(protocol.Event{
		Type:      protocol.EventSessionStarted,
		SessionID: sess.info.ID,
		Timestamp: now,
		State:     StateRecording.String(),
	})
	c.log.Info("session started",
		slog.String("session_id", sess.info.ID),
		slog.String("title", req.Title),
		slog.String("stt_engine", engineName))
	return sess.info, nil
}

func (c *Controller) switchWithRetries(ctx context.Context, name string) error {
	var err error
	for attempt := 0; attempt <= c.cfg.Engines.LoadRetries; attempt++ {
		if err = c.stt.Switch(ctx, name); err == nil {
			return nil
		}
		if errors.Is(err, engine.ErrNotRegistered) || ctx.Err() != nil {
			return err
		}
		c.log.Warn("stt engine load failed, retrying",
			slog.String("engine", name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return err
}

// StopSession finalizes the active session. Calling it again returns the
// same finalized result.
func (c *Controller) StopSession(ctx context.Context) (FinalizedSession, error) {
	c.mu.Lock()
	sess := c.active
	if sess == nil {
		last := c.last
		c.mu.Unlock()
		if last != nil {
			return *last, nil
		}
		return FinalizedSession{}, ErrNoActiveSession
	}
	c.mu.Unlock()

	sess.stopOnce.Do(func() {
		c.finalize(ctx, sess)
		c.mu.Lock()
		c.active = nil
		c.last = &sess.final
		c.mu.Unlock()
	})
	return sess.final, nil
}

// finalize runs the stop sequence exactly once per session: detach capture,
// drain the processor, summarize, publish, persist.
func (c *Controller) finalize(ctx context.Context, sess *activeSession) {
	if err := sess.transition(StateStopping); err != nil {
		// Already failed fatally; finish the bookkeeping below.
		c.log.Debug("stop on failed session", slog.String("session_id", sess.info.ID))
	}

	sess.sub.Unsubscribe()
	sess.cancelProc()

	grace := time.Duration(c.cfg.Pipeline.DrainTimeoutMS)*time.Millisecond + 2*time.Second
	select {
	case <-sess.proc.Done():
	case <-time.After(grace):
		c.log.Warn("batch processor did not drain in time",
			slog.String("session_id", sess.info.ID))
	}

	sess.mu.Lock()
	fatalErr := sess.fatalErr
	sess.mu.Unlock()

	final := FinalizedSession{
		ID:           sess.info.ID,
		Title:        sess.info.Title,
		Participants: sess.info.Participants,
		StartedAt:    sess.info.StartedAt,
		EndedAt:      c.clock(),
		Segments:     sess.transcript.Snapshot(),
		WordCount:    sess.transcript.WordCount(),
	}

	endState := StateCompleted
	if fatalErr != nil {
		endState = StateError
		final.Error = fatalErr.Error()
	} else if c.cfg.Session.AutoSummarize && sess.transcript.Len() > 0 {
		if err := sess.transition(StateSummarizing); err == nil {
			if summary, err := c.summarizeTranscript(ctx, sess); err != nil {
				c.log.Warn("summarization failed, completing without summary",
					slog.String("session_id", sess.info.ID),
					slog.String("error", err.Error()))
			} else {
				final.Summary = &summary
				c.emit(protocol.Event{
					Type:      protocol.EventSummaryReady,
					SessionID: sess.info.ID,
					Timestamp: c.clock(),
					Summary: &protocol.SummaryPayload{
						Text:        summary.Text,
						ActionItems: summary.ActionItems,
						KeyPoints:   summary.KeyPoints,
					},
				})
			}
		}
	}

	if err := sess.transition(endState); err != nil {
		sess.mu.Lock()
		sess.state = endState
		sess.mu.Unlock()
	}
	final.State = endState.String()
	sess.final = final

	c.emit(protocol.Event{
		Type:      protocol.EventSessionStopped,
		SessionID: sess.info.ID,
		Timestamp: final.EndedAt,
		State:     final.State,
		Error:     final.Error,
	})

	if c.store != nil {
		if err := c.store.SaveSession(context.WithoutCancel(ctx), final); err != nil {
			c.log.Warn("failed to persist session",
				slog.String("session_id", sess.info.ID),
				slog.String("error", err.Error()))
		}
	}

	c.log.Info("session stopped",
		slog.String("session_id", sess.info.ID),
		slog.String("state", final.State),
		slog.Int("segments", len(final.Segments)),
		slog.Int("word_count", final.WordCount))
}

func (c *Controller) summarizeTranscript(ctx context.Context, sess *activeSession) (summarize.Summary, error) {
	name := c.sum.CurrentName()
	if name == "" {
		name = c.cfg.Engines.DefaultSummarization
	}
	eng, err := c.sum.GetOrLoad(ctx, name)
	if err != nil {
		return summarize.Summary{}, err
	}
	return eng.Summarize(ctx, sess.transcript.Text(), summarize.Options{
		ActionItems: true,
		KeyPoints:   true,
	})
}

// failSession marks the active session failed and stops it. Invoked by the
// batch processor when the consecutive failure limit is hit.
func (c *Controller) failSession(sess *activeSession, err error) {
	sess.mu.Lock()
	if sess.fatalErr == nil {
		sess.fatalErr = err
	}
	alreadyTerminal := sess.state.Terminal()
	if !alreadyTerminal && sess.state == StateRecording {
		sess.state = StateError
	}
	sess.mu.Unlock()

	c.log.Error("session failed",
		slog.String("session_id", sess.info.ID),
		slog.String("error", err.Error()))

	go func() {
		if _, stopErr := c.StopSession(context.Background()); stopErr != nil {
			c.log.Warn("failed to stop failed session", slog.String("error", stopErr.Error()))
		}
	}()
}

// LiveStatus reports the current session, or idle when none is active.
func (c *Controller) LiveStatus() LiveStatus {
	c.mu.Lock()
	sess := c.active
	last := c.last
	c.mu.Unlock()

	if sess == nil {
		status := LiveStatus{State: StateIdle.String()}
		if last != nil {
			status.SessionID = last.ID
			status.State = last.State
			status.Segments = len(last.Segments)
			status.WordCount = last.WordCount
		}
		return status
	}

	_, name, _ := c.stt.Current()
	if name == "" {
		name = sess.sttName
	}
	return LiveStatus{
		SessionID:  sess.info.ID,
		State:      sess.currentState().String(),
		Elapsed:    c.clock().Sub(sess.info.StartedAt),
		Segments:   sess.transcript.Len(),
		WordCount:  sess.transcript.WordCount(),
		QueueDepth: sess.queue.Len(),
		Accepted:   sess.queue.Accepted(),
		Dropped:    sess.queue.Dropped(),
		STTEngine:  name,
	}
}

// SwitchEngine changes the current engine for a capability. A recording
// session picks up the new STT engine on its next batch.
func (c *Controller) SwitchEngine(ctx context.Context, capability engine.Capability, name string) error {
	switch capability {
	case engine.CapabilitySTT:
		if err := c.stt.Switch(ctx, name); err != nil {
			return err
		}
		c.mu.Lock()
		if c.active != nil {
			c.active.sttName = name
		}
		c.mu.Unlock()
		return nil
	case engine.CapabilitySummarization:
		return c.sum.Switch(ctx, name)
	}
	return fmt.Errorf("unknown capability %q", capability)
}

// EngineStatus reports the cached engines per capability.
func (c *Controller) EngineStatus() map[string][]engine.Status {
	return map[string][]engine.Status{
		string(engine.CapabilitySTT):           c.stt.Statuses(),
		string(engine.CapabilitySummarization): c.sum.Statuses(),
	}
}

// SummarizeText runs one-shot summarization outside any session.
func (c *Controller) SummarizeText(ctx context.Context, text string, opts summarize.Options) (summarize.Summary, error) {
	name := c.sum.CurrentName()
	if name == "" {
		name = c.cfg.Engines.DefaultSummarization
	}
	eng, err := c.sum.GetOrLoad(ctx, name)
	if err != nil {
		return summarize.Summary{}, err
	}
	return eng.Summarize(ctx, text, opts)
}

// Close stops any active session and releases engines.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	active := c.active != nil
	c.mu.Unlock()
	if active {
		if _, err := c.StopSession(ctx); err != nil {
			c.log.Warn("failed to stop session during shutdown", slog.String("error", err.Error()))
		}
	}
	c.stt.Close()
	c.sum.Close()
}

// emitter returns a notifier that both publishes and persists events.
func (c *Controller) emitter() notify.Notifier {
	return notifierFunc(c.emit)
}

func (c *Controller) emit(event protocol.Event) {
	c.notifier.Emit(event)
	if c.store != nil {
		if err := c.store.RecordEvent(context.Background(), event); err != nil {
			c.log.Warn("failed to record event",
				slog.String("type", string(event.Type)),
				slog.String("error", err.Error()))
		}
	}
}

type notifierFunc func(protocol.Event)

func (f notifierFunc) Emit(event protocol.Event) { f(event) }
