// Package notify delivers task progress, results and errors to owners.
// Delivery is fire-and-forget: a failed notification is logged and never
// rolls back task or ledger state.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// MessageType classifies a notification.
type MessageType string

// Notification types
const (
	TypeProgress MessageType = "progress"
	TypeResult   MessageType = "result"
	TypeError    MessageType = "error"
	TypeInfo     MessageType = "info"
)

// Message is one notification to an owner.
type Message struct {
	Type        MessageType `json:"type"`
	TaskID      uuid.UUID   `json:"task_id,omitempty"`
	Text        string      `json:"text"`
	Progress    int         `json:"progress,omitempty"`
	Attachments []string    `json:"attachments,omitempty"`
}

// Notifier delivers messages to owners.
type Notifier interface {
	Notify(ctx context.Context, ownerID uuid.UUID, msg Message) error
}

// LogNotifier writes notifications to the log. It is the default when no
// broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "log_notifier")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, ownerID uuid.UUID, msg Message) error {
	n.logger.InfoContext(ctx, "notification",
		slog.String("owner_id", ownerID.String()),
		slog.String("type", string(msg.Type)),
		slog.String("task_id", msg.TaskID.String()),
		slog.String("text", msg.Text),
		slog.Int("attachments", len(msg.Attachments)))
	return nil
}

// Multi fans a message out to several notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ownerID uuid.UUID, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ownerID, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Safe wraps a Notifier so that failures are logged and swallowed.
type Safe struct {
	next   Notifier
	logger *slog.Logger
}

// NewSafe creates a Safe notifier around next.
func NewSafe(next Notifier, logger *slog.Logger) *Safe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Safe{next: next, logger: logger.With("component", "notifier")}
}

// Notify implements Notifier and always returns nil. A panicking notifier is
// logged like a failed one.
func (s *Safe) Notify(ctx context.Context, ownerID uuid.UUID, msg Message) error {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.ErrorContext(ctx, "notifier panicked",
				slog.String("owner_id", ownerID.String()),
				slog.String("task_id", msg.TaskID.String()),
				slog.String("type", string(msg.Type)),
				slog.Any("panic", rec))
		}
	}()

	if err := s.next.Notify(ctx, ownerID, msg); err != nil {
		s.logger.WarnContext(ctx, "notification delivery failed",
			slog.String("owner_id", ownerID.String()),
			slog.String("task_id", msg.TaskID.String()),
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()))
	}
	return nil
}
