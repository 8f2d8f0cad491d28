package dispatch

import (
	"log/slog"
	"time"

	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
)

// Notifier is the fire-and-forget notification sink. Delivery is best
// effort: a failure is reported to the caller for logging but must never
// roll back the state change that triggered it.
type Notifier interface {
	Notify(recipientID, kind string, payload map[string]any) error
}

// LogNotifier writes notifications to the structured log. Used when no
// delivery channel is configured, and as the terminal fallback of Fanout.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(recipientID, kind string, payload map[string]any) error {
	if l.Logger != nil {
		l.Logger.Info("notification", "recipient", recipientID, "kind", kind, "payload", payload)
	}
	return nil
}

// Fanout tries each channel in order until one succeeds: typically WS first
// for connected users, then a push provider, then the log. Delivery is
// counted here and only here, once per delivered notification.
type Fanout struct {
	Channels []Notifier
}

func (f *Fanout) Notify(recipientID, kind string, payload map[string]any) error {
	var last error
	for _, ch := range f.Channels {
		if err := ch.Notify(recipientID, kind, payload); err != nil {
			last = err
			continue
		}
		observability.NotificationsTotal.WithLabelValues(kind).Inc()
		return nil
	}
	return last
}

func newNotification(recipientID, kind string, payload map[string]any) models.Notification {
	return models.Notification{
		RecipientID: recipientID,
		Kind:        kind,
		Payload:     payload,
		SentAt:      time.Now(),
	}
}
