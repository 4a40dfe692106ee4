// Package notify delivers pipeline and approval events to notification
// channels as CloudEvents over HTTP.
//
// Events are queued in a bounded channel and delivered by a worker pool with
// retry. A full buffer, an unmapped channel or a failed delivery is logged and
// counted; none of them is ever reported to the run as a failure.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdpipeline/internal/run"
	"cdpipeline/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("notification buffer full, event dropped")
	// ErrUnknownChannel is returned for a channel with no webhook mapping.
	ErrUnknownChannel = errors.New("unknown notification channel")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notification dispatcher is closed")
)

// EventTypePrefix namespaces the CloudEvents type of every delivered event.
const EventTypePrefix = "cdpipeline."

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	RetriesTotal int64
	BreakersOpen int
}

type delivery struct {
	channel     string
	destination string
	event       *cloudevent.CloudEvent
}

// Dispatcher implements run.Notifier.
type Dispatcher struct {
	queue    chan *delivery
	sender   *cloudevent.Sender
	breakers *breakers
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a dispatcher and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		queue:    make(chan *delivery, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: newBreakers(defaultBreakerThreshold, defaultBreakerCooldown),
		config:   cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Notification dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "channels", len(cfg.Channels))
	return d
}

// Notify queues ev for delivery to channel. It never blocks.
func (d *Dispatcher) Notify(_ context.Context, channel string, ev run.Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	destination, ok := d.resolve(channel)
	if !ok {
		d.drop("Notification dropped, channel has no webhook", channel, ev.Type)
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	item := &delivery{
		channel:     channel,
		destination: destination,
		event:       NewCloudEvent(d.config.Source, ev),
	}

	select {
	case d.queue <- item:
		d.queued.Add(1)
		return nil
	default:
		d.drop("Notification dropped, buffer full", channel, ev.Type)
		return ErrBufferFull
	}
}

// NewCloudEvent wraps a run event in its CloudEvents envelope.
func NewCloudEvent(source string, ev run.Event) *cloudevent.CloudEvent {
	ce := cloudevent.New(EventTypePrefix+string(ev.Type), source+"/"+ev.Pipeline, ev.RunID, ev)
	if !ev.Time.IsZero() {
		ce.Time = ev.Time.UTC()
	}
	return ce
}

func (d *Dispatcher) resolve(channel string) (string, bool) {
	if u, ok := d.config.Channels[channel]; ok && u != "" {
		return u, true
	}
	if strings.HasPrefix(channel, "http://") || strings.HasPrefix(channel, "https://") {
		return channel, true
	}
	return "", false
}

func (d *Dispatcher) drop(msg, channel string, t any) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn(msg, "channel", channel, "type", t)
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		RetriesTotal: d.retriesTotal.Load(),
		BreakersOpen: d.breakers.openCount(),
	}
}

// Ready reports an error once the dispatcher is closed or any destination
// circuit is open. Readiness treats it as optional.
func (d *Dispatcher) Ready(context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if n := d.breakers.openCount(); n > 0 {
		return fmt.Errorf("%d notification destination(s) unavailable", n)
	}
	return nil
}

// Close stops accepting events and delivers what is queued. The context
// deadline bounds the drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Notification dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Notification dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Notification dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Dispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case item := <-d.queue:
			d.deliver(item)
		}
	}
}

func (d *Dispatcher) drainQueue() {
	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(item *delivery) {
	host := extractHost(item.destination)
	b := d.breakers.get(host)
	if !b.allow() {
		d.drop("Notification dropped, destination circuit open", item.channel, item.event.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.sendWithRetry(ctx, item)
	b.record(err)
	if err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Notification delivery failed", "channel", item.channel, "destination", host, "type", item.event.Type, "error", err)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
	d.logger.Debug("Notification delivered", "channel", item.channel, "type", item.event.Type)
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, item *delivery) error {
	var lastErr error
	for attempt := range d.config.MaxAttempts {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := d.config.Retry.Sleep(ctx, attempt); err != nil {
				return err
			}
		}

		lastErr = d.sender.Send(ctx, item.destination, item.event, d.config.SigningSecret)
		if lastErr == nil || cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost keys breakers by destination host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ run.Notifier = (*Dispatcher)(nil)
