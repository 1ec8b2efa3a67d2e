package notify

import (
	"encoding/json"
	"log/slog"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/protocol"
)

// Notifier receives session lifecycle and transcript events. Emit is
// fire-and-forget: failures are the notifier's problem, never the caller's.
type Notifier interface {
	Emit(event protocol.Event)
}

type natsNotifier struct {
	cfg    config.NotifyConfig
	bus    *bus.Client
	logger *slog.Logger
}

// NewNATS returns a notifier that publishes events as JSON on the bus.
func NewNATS(cfg config.NotifyConfig, busClient *bus.Client, logger *slog.Logger) Notifier {
	return &natsNotifier{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "notifier")),
	}
}

func (n *natsNotifier) Emit(event protocol.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("failed to marshal event", slog.String("error", err.Error()))
		return
	}
	subject := event.Subject(n.cfg.SubjectPrefix)
	if err := n.bus.Conn().Publish(subject, data); err != nil {
		n.logger.Warn("failed to publish event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

type discardNotifier struct{}

// Discard returns a notifier that drops every event. Used when the bus is
// disabled and as a default in tests.
func Discard() Notifier { return discardNotifier{} }

func (discardNotifier) Emit(protocol.Event) {}
