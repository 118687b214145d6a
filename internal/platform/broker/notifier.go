// Package broker publishes owner notifications to an AMQP exchange so that
// chat front-ends can deliver them.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/notify"
	"github.com/sethvargo/go-retry"
	"github.com/streadway/amqp"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier closed")

const (
	publishAttempts = 3
	publishBackoff  = 100 * time.Millisecond
)

// publisher is the part of *amqp.Channel the notifier uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	OwnerID uuid.UUID      `json:"owner_id"`
	Message notify.Message `json:"message"`
	SentAt  time.Time      `json:"sent_at"`
}

// Notifier implements notify.Notifier on top of an AMQP topic exchange.
// Messages are routed by "notify.<type>".
type Notifier struct {
	mu       sync.Mutex
	ch       publisher
	exchange string
	closers  []func() error
	closed   bool
	logger   *slog.Logger
	now      func() time.Time
}

var _ notify.Notifier = (*Notifier)(nil)

// Dial connects to the broker, declares the exchange and returns a Notifier.
func Dial(cfg config.AMQPConfig, logger *slog.Logger) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url cannot be empty")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("amqp exchange cannot be empty")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", cfg.Exchange, err)
	}

	n := newNotifier(ch, cfg.Exchange, logger)
	n.closers = []func() error{ch.Close, conn.Close}
	return n, nil
}

func newNotifier(ch publisher, exchange string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With("component", "amqp_notifier"),
		now:      time.Now,
	}
}

// Notify implements notify.Notifier. Publishing is retried a few times with
// exponential backoff before the error is returned.
func (n *Notifier) Notify(ctx context.Context, ownerID uuid.UUID, msg notify.Message) error {
	body, err := json.Marshal(Envelope{OwnerID: ownerID, Message: msg, SentAt: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    n.now().UTC(),
		Body:         body,
	}
	key := RoutingKey(msg.Type)

	b := retry.WithMaxRetries(publishAttempts-1, retry.NewExponential(publishBackoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.closed {
			return ErrClosed
		}
		if err := n.ch.Publish(n.exchange, key, false, false, pub); err != nil {
			n.logger.DebugContext(ctx, "publish failed",
				"routing_key", key,
				"task_id", msg.TaskID.String(),
				"error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close closes the channel and connection. Further Notify calls fail.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	var errs []error
	for _, c := range n.closers {
		if err := c(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RoutingKey returns the routing key used for messages of type t.
func RoutingKey(t notify.MessageType) string {
	return "notify." + string(t)
}
