package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"relayguard/internal/events"
	"relayguard/internal/storage"
)

// EventRecorder persists events for auditing.
type EventRecorder interface {
	InsertEvent(ctx context.Context, rec storage.EventRecord) (storage.EventRecord, error)
}

// DispatcherOptions tune delivery.
type DispatcherOptions struct {
	Service   string
	Channels  []string
	Cooldown  time.Duration
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher receives guard events without blocking the emitter, records
// every event and forwards at most one notification per cooldown for each
// kind and reason pair.
type Dispatcher struct {
	opts      DispatcherOptions
	notifiers []Notifier
	recorder  EventRecorder
	logger    zerolog.Logger
	queue     chan events.Event

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	dropped    atomic.Int64
	suppressed atomic.Int64
}

// NewDispatcher builds a dispatcher. recorder may be nil.
func NewDispatcher(opts DispatcherOptions, recorder EventRecorder, logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		opts:      opts,
		notifiers: notifiers,
		recorder:  recorder,
		logger:    logger.With().Str("component", "alert_dispatcher").Logger(),
		queue:     make(chan events.Event, opts.QueueSize),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// OnEvent enqueues e. When the queue is full the event is dropped and
// counted.
func (d *Dispatcher) OnEvent(e events.Event) {
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("kind", string(e.Kind)).Str("reason", e.Reason).Msg("alert queue full; event dropped")
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		case e := <-d.queue:
			d.deliver(ctx, e)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	if d.recorder != nil {
		rec := storage.EventRecord{
			Kind:       string(e.Kind),
			Reason:     e.Reason,
			Message:    e.Message,
			Fields:     e.Fields,
			OccurredAt: e.At,
		}
		if _, err := d.recorder.InsertEvent(ctx, rec); err != nil {
			d.logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("failed to persist event")
		}
	}

	if !d.allow(e) {
		d.suppressed.Add(1)
		d.logger.Debug().Str("kind", string(e.Kind)).Str("reason", e.Reason).Msg("alert suppressed by cooldown")
		return
	}

	note := Notification{Service: d.opts.Service, Event: e, Channels: d.opts.Channels}
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			d.logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("failed to dispatch alert")
		}
	}
}

func (d *Dispatcher) allow(e events.Event) bool {
	if d.opts.Cooldown <= 0 {
		return true
	}
	key := string(e.Kind) + "/" + e.Reason

	d.mu.Lock()
	lim, ok := d.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.opts.Cooldown), 1)
		d.limiters[key] = lim
	}
	d.mu.Unlock()

	return lim.Allow()
}

// Dropped returns how many events were lost to a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Suppressed returns how many events were recorded but not forwarded.
func (d *Dispatcher) Suppressed() int64 { return d.suppressed.Load() }

var _ events.Listener = (*Dispatcher)(nil)
