// Package notify is the fire-and-forget notification collaborator. Sends
// are best-effort: failures are logged by callers, never propagated.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/cossistant/realtime/pkg/logger"
)

// Notification is one message to one recipient.
type Notification struct {
	RecipientID string
	Subject     string
	Body        string
}

// Notifier delivers notifications to team members.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. It stands in wherever a
// real email/push sink is not configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Send(ctx context.Context, notification Notification) error {
	n.log.Info("notification",
		zap.String("recipient_id", notification.RecipientID),
		zap.String("subject", notification.Subject),
	)
	return nil
}
