package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Notification is one fire-and-forget settlement message for a user.
type Notification struct {
	UserID         uuid.UUID
	Type           string
	Message        string
	ReferenceID    uuid.UUID
	ReferenceModel string
	CreatedAt      time.Time
}

// Notification types relayed to users.
const (
	TypePayment   = "payment"
	TypeMilestone = "milestone"
	TypeDispute   = "dispute"
	TypeProject   = "project"
)

// Sink receives settlement notifications. Delivery is best-effort: a failed
// or slow sink must never roll back a committed settlement.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// SlogSink logs notifications; the default when no delivery backend is wired.
type SlogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s *SlogSink) Notify(_ context.Context, n Notification) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"user", n.UserID.String(),
		"type", n.Type,
		"message", n.Message,
		"referenceId", n.ReferenceID.String(),
		"referenceModel", n.ReferenceModel,
	)
}

// Dispatcher decouples the reconciliation engine from sink latency with a
// bounded queue. When the queue is full the oldest pending notification is
// dropped; settlement state is the source of truth, notifications are not.
type Dispatcher struct {
	sink    Sink
	queue   chan Notification
	limiter *rate.Limiter
	logger  *slog.Logger
	nowFn   func() time.Time
}

// DispatcherConfig bounds dispatcher behaviour.
type DispatcherConfig struct {
	Capacity      int
	RatePerSecond float64
	Logger        *slog.Logger
}

// NewDispatcher constructs a dispatcher around a sink.
func NewDispatcher(sink Sink, cfg DispatcherConfig) *Dispatcher {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 256
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan Notification, capacity),
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)),
		logger:  logger,
		nowFn:   time.Now,
	}
}

// Notify implements Sink by enqueueing without blocking the caller.
func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.nowFn().UTC()
	}
	for {
		select {
		case d.queue <- n:
			return
		default:
		}
		select {
		case dropped := <-d.queue:
			d.logger.Warn("notification queue full, dropping oldest",
				"type", dropped.Type, "user", dropped.UserID.String())
		default:
		}
	}
}

// Run delivers queued notifications until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.sink.Notify(ctx, n)
		}
	}
}
