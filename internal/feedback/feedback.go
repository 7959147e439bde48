// Package feedback accepts user feedback and hands it off in the background.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultDeliveryTimeout = 10 * time.Second

// ErrClosed is returned by Submit after the dispatcher has been closed.
var ErrClosed = errors.New("feedback dispatcher is closed")

// Feedback is one submitted message.
type Feedback struct {
	ID         string    `json:"id"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// Notifier delivers feedback to its destination.
type Notifier interface {
	Notify(ctx context.Context, fb Feedback) error
}

// LogNotifier records feedback in the application log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, fb Feedback) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("feedback received", "feedback_id", fb.ID, "length", len(fb.Message))
	return nil
}

// listPusher is the subset of *redis.Client used by RedisNotifier.
type listPusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	List     string
}

// RedisNotifier pushes feedback as JSON onto a Redis list for a downstream mailer.
type RedisNotifier struct {
	client listPusher
	list   string
}

// NewRedisNotifier creates a notifier backed by a new Redis client.
func NewRedisNotifier(cfg RedisConfig) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisNotifier{client: client, list: cfg.List}
}

func (n *RedisNotifier) Notify(ctx context.Context, fb Feedback) error {
	raw, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}
	if err := n.client.LPush(ctx, n.list, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue feedback: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// Dispatcher delivers feedback asynchronously. Close waits for in-flight deliveries.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering through notifier.
func NewDispatcher(notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		notifier: notifier,
		timeout:  defaultDeliveryTimeout,
		logger:   logger.With("component", "feedback"),
		now:      time.Now,
	}
}

// Submit schedules delivery of message and returns its id without waiting for delivery.
func (d *Dispatcher) Submit(message string) (string, error) {
	fb := Feedback{
		ID:         uuid.NewString(),
		Message:    message,
		ReceivedAt: d.now().UTC(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, fb); err != nil {
			d.logger.Error("feedback delivery failed", "feedback_id", fb.ID, "error", err)
		}
	}()

	return fb.ID, nil
}

// Close stops accepting feedback and waits for pending deliveries or ctx expiry.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for feedback deliveries: %w", ctx.Err())
	}
}
