package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Sink matches ride.EventSink.
type Sink interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// Async decouples a slow sink from the ride path. Publish only enqueues; a
// worker delivers in order. When the queue is full the event is dropped and
// logged.
type Async struct {
	name    string
	sink    Sink
	logger  *zap.SugaredLogger
	queue   chan models.RideEvent
	timeout time.Duration
	done    chan struct{}
}

func NewAsync(name string, sink Sink, logger *zap.SugaredLogger, size int) *Async {
	if size <= 0 {
		size = 256
	}
	return &Async{
		name:    name,
		sink:    sink,
		logger:  logger,
		queue:   make(chan models.RideEvent, size),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

func (a *Async) Publish(_ context.Context, ev models.RideEvent) error {
	select {
	case a.queue <- ev:
	default:
		observability.EventsPublished.WithLabelValues(a.name, "dropped").Inc()
		a.logger.Warnw("event queue full, dropping", "sink", a.name, "ride_id", ev.RideID, "to_state", ev.To)
	}
	return nil
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case ev := <-a.queue:
			a.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.queue:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (a *Async) Wait() { <-a.done }

func (a *Async) deliver(ev models.RideEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.sink.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues(a.name, "error").Inc()
		a.logger.Errorw("event delivery failed", "sink", a.name, "ride_id", ev.RideID, "to_state", ev.To, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(a.name, "ok").Inc()
}
