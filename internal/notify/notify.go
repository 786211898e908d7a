// Package notify tells sellers about agent activity on their items. Delivery
// is fire-and-forget: failures are logged and never reach the protocol.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNotConfigured is returned by a Notifier that lacks the credentials or
// destination it needs.
var ErrNotConfigured = errors.New("notify: notifier not configured")

// Kind classifies a notification.
type Kind string

const (
	KindDecision  Kind = "decision"
	KindCompleted Kind = "completed"
	KindCancelled Kind = "cancelled"
)

// Notification is one message for a seller.
type Notification struct {
	Kind          Kind
	SellerID      string
	NegotiationID string
	Text          string
	At            time.Time
}

// Notifier delivers notifications over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is always
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "seller notification",
		"kind", n.Kind,
		"seller_id", n.SellerID,
		"negotiation_id", n.NegotiationID,
		"text", n.Text,
	)
	return nil
}
