package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Consumer applies driver location messages from Kafka to the index.
type Consumer struct {
	Reader   MessageReader
	Index    Index
	Logger   *zap.SugaredLogger
	Attempts int
	Backoff  time.Duration

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

const maxReadBackoff = 30 * time.Second

// Run reads until ctx is cancelled. Read errors back off exponentially;
// invalid messages are counted and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Warnw("kafka read failed", "error", err, "backoff", backoff)
			if err := c.wait(ctx, backoff); err != nil {
				return nil
			}
			backoff *= 2
			if backoff > maxReadBackoff {
				backoff = maxReadBackoff
			}
			continue
		}
		backoff = time.Second
		c.Handle(ctx, m.Value)
	}
}

// Handle decodes and applies one message. It reports whether the update
// reached the index.
func (c *Consumer) Handle(ctx context.Context, raw []byte) bool {
	u, err := Decode(raw)
	if err != nil {
		observability.LocationUpdates.WithLabelValues("kafka", "invalid").Inc()
		c.Logger.Warnw("invalid location message", "error", err)
		return false
	}
	if err := c.applyWithRetry(ctx, u); err != nil {
		observability.LocationUpdates.WithLabelValues("kafka", "failed").Inc()
		c.Logger.Errorw("location update failed", "driver_id", u.DriverID, "error", err)
		return false
	}
	observability.LocationUpdates.WithLabelValues("kafka", "applied").Inc()
	return true
}

// applyWithRetry retries storage failures with doubling delay. Domain errors
// are returned immediately.
func (c *Consumer) applyWithRetry(ctx context.Context, u LocationUpdate) error {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = Apply(ctx, c.Index, u); err == nil {
			return nil
		}
		if apperr.ClientError(err) || i == attempts-1 {
			return err
		}
		if werr := c.wait(ctx, delay); werr != nil {
			return err
		}
		delay *= 2
	}
	return err
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
