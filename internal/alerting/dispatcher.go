package alerting

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-autopilot/internal/metrics"
)

// Sink is the fire-and-forget notification surface used by the engine and reviews.
type Sink interface {
	Info(title, body, category string)
	Warning(title, body, category string)
	Error(title, body, category string)
	Critical(title, body, category string)
}

// Dispatcher queues notifications and fans them out to every notifier on one goroutine.
// A full queue drops the notification instead of blocking the caller.
type Dispatcher struct {
	notifiers []Notifier
	recorder  *metrics.Recorder
	logger    zerolog.Logger
	timeout   time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

// NewDispatcher starts the delivery goroutine. Close must be called to flush and stop it.
func NewDispatcher(queueSize int, recorder *metrics.Recorder, logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		notifiers: notifiers,
		recorder:  recorder,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		timeout:   10 * time.Second,
		now:       time.Now,
		queue:     make(chan Notification, queueSize),
		done:      make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) Info(title, body, category string) {
	d.Send(Notification{Severity: SeverityInfo, Title: title, Body: body, Category: category})
}

func (d *Dispatcher) Warning(title, body, category string) {
	d.Send(Notification{Severity: SeverityWarning, Title: title, Body: body, Category: category})
}

func (d *Dispatcher) Error(title, body, category string) {
	d.Send(Notification{Severity: SeverityError, Title: title, Body: body, Category: category})
}

func (d *Dispatcher) Critical(title, body, category string) {
	d.Send(Notification{Severity: SeverityCritical, Title: title, Body: body, Category: category})
}

// Send enqueues note. It never blocks.
func (d *Dispatcher) Send(note Notification) {
	if note.Time.IsZero() {
		note.Time = d.now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(note, "dispatcher closed")
		return
	}
	select {
	case d.queue <- note:
	default:
		d.drop(note, "queue full")
	}
}

func (d *Dispatcher) drop(note Notification, reason string) {
	d.recorder.RecordNotification(string(note.Severity), "dropped")
	d.logger.Warn().
		Str("severity", string(note.Severity)).
		Str("title", note.Title).
		Str("reason", reason).
		Msg("notification dropped")
}

// Close stops accepting notifications and waits until the queue is drained or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for note := range d.queue {
		d.deliver(note)
	}
	for _, n := range d.notifiers {
		c, ok := n.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			d.logger.Warn().Err(err).Str("notifier", n.Name()).Msg("close notifier")
		}
	}
}

func (d *Dispatcher) deliver(note Notification) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := n.Notify(ctx, note)
		cancel()
		if err != nil {
			d.recorder.RecordNotification(string(note.Severity), "failed")
			d.logger.Error().Err(err).Str("notifier", n.Name()).Str("title", note.Title).Msg("notification delivery failed")
			continue
		}
		d.recorder.RecordNotification(string(note.Severity), "delivered")
	}
}

var _ Sink = (*Dispatcher)(nil)
