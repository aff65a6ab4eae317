// Package notify delivers committed governance events to external sinks.
// Publishing never blocks the ledger; delivery happens on a worker goroutine.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"governor/internal/config"
	"governor/internal/domain"
)

const defaultQueueSize = 256

// Sink receives one event. Errors are logged by the notifier and not retried.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.Event) error
}

type Notifier struct {
	queue   chan domain.Event
	sinks   []Sink
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	dropped int
	done    chan struct{}
}

// New builds a notifier. A zero rate disables throttling.
func New(cfg config.NotifyConfig, logger *slog.Logger, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Notifier{
		queue:   make(chan domain.Event, size),
		sinks:   sinks,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "notify"),
		done:    make(chan struct{}),
	}
}

// FromConfig wires the sinks named in cfg.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if hook.URL == "" {
			continue
		}
		sinks = append(sinks, NewWebhook(hook))
	}
	if cfg.Redis.Addr != "" {
		sinks = append(sinks, NewRedis(cfg.Redis))
	}
	if cfg.Log {
		sinks = append(sinks, LogSink{Logger: logger})
	}
	return New(cfg, logger, sinks...)
}

// Publish enqueues evt. When the queue is full the event is dropped and logged.
func (n *Notifier) Publish(evt domain.Event) {
	select {
	case n.queue <- evt:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		n.logger.Warn("notification queue full, dropping event", "event_id", evt.ID, "type", evt.Type)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (n *Notifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued without throttling.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return
		case evt := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				n.deliver(context.WithoutCancel(ctx), evt)
				n.drain()
				return
			}
			n.deliver(ctx, evt)
		}
	}
}

// Done is closed when Run returns.
func (n *Notifier) Done() <-chan struct{} { return n.done }

func (n *Notifier) drain() {
	ctx := context.Background()
	for {
		select {
		case evt := <-n.queue:
			n.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, evt domain.Event) {
	for _, s := range n.sinks {
		if err := s.Deliver(ctx, evt); err != nil {
			n.logger.Warn("notification delivery failed", "sink", s.Name(), "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, evt domain.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "governance event",
		"event_id", evt.ID,
		"type", evt.Type,
		"org_id", evt.OrgID,
		"entity_kind", evt.EntityKind,
		"entity_id", evt.EntityID,
		"actor_id", evt.ActorID,
	)
	return nil
}
