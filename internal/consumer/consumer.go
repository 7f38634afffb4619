package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Snapier494/mediacache/internal/domain"
)

// Processor enriches one item; the media pipeline implements it.
type Processor interface {
	Process(ctx context.Context, item *domain.Item) error
}

// natsConsumer pulls items off a JetStream subject, runs them through
// the pipeline and publishes enriched items to the results subject.
// Dropped items are acknowledged and logged, never redelivered.
type natsConsumer struct {
	js             nats.JetStreamContext
	stream         string
	subject        string
	resultsSubject string
	size           int
	pipeline       Processor

	publish func(subject string, data []byte) error

	done chan struct{}
	sub  *nats.Subscription
}

func New(
	js nats.JetStreamContext,
	stream, subject, resultsSubject string,
	size int,
	pipeline Processor,
) *natsConsumer {
	if size <= 0 {
		size = 1
	}

	c := &natsConsumer{
		js:             js,
		stream:         stream,
		subject:        subject,
		resultsSubject: resultsSubject,
		size:           size,
		pipeline:       pipeline,
		done:           make(chan struct{}, size),
	}
	c.publish = func(subject string, data []byte) error {
		_, err := js.Publish(subject, data)
		return err
	}

	return c
}

func (c *natsConsumer) Run(ctx context.Context) {
	consumerName := "media-items-consumer"
	_, err := c.js.AddConsumer(c.stream, &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: c.subject,
		MaxAckPending: c.size * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		slog.Error("JetStream AddConsumer", slog.String("error", err.Error()))
		return
	}

	sub, err := c.js.PullSubscribe(c.subject, consumerName)
	if err != nil {
		slog.Error("JetStream PullSubscribe", slog.String("error", err.Error()))
		return
	}
	c.sub = sub

	for range c.size {
		go func() {
			defer func() { c.done <- struct{}{} }()
			c.runWorker(ctx)
		}()
	}

	slog.Info("media consumer is running",
		slog.Int("workers", c.size),
		slog.String("subject", c.subject),
	)
}

func (c *natsConsumer) Stop(ctx context.Context) {
	<-ctx.Done()

	if c.sub != nil {
		for range c.size {
			<-c.done
		}

		if err := c.sub.Drain(); err != nil {
			slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
		}
	}

	slog.Info("media consumer stopped")
}

func (c *natsConsumer) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping")
			return
		default:
		}

		msgs, err := c.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			// Let an item in flight drain on shutdown instead of
			// aborting mid-persist; the fetcher's own timeout bounds
			// how long that can take.
			if err := c.handleMessage(context.WithoutCancel(ctx), msg.Data); err != nil {
				slog.Error("handle item", slog.String("error", err.Error()))
				_ = msg.Nak()
				continue
			}

			if err := msg.Ack(); err != nil {
				slog.Warn("NATS Ack", slog.String("error", err.Error()))
			}
		}
	}
}

// handleMessage resolves one raw item message. A nil return means the
// message is settled: forwarded downstream, or dropped on purpose.
// Errors mean the message should be redelivered.
func (c *natsConsumer) handleMessage(ctx context.Context, data []byte) error {
	var item domain.Item
	if err := json.Unmarshal(data, &item); err != nil {
		// Malformed items never get better on redelivery.
		slog.Error("drop malformed item", slog.String("error", err.Error()))
		return nil
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	l := slog.With(slog.String("item_id", item.ID))
	l.Debug("item received", slog.Int("image_urls", len(item.ImageURLs)))

	err := c.pipeline.Process(ctx, &item)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrItemDropped), errors.Is(err, domain.ErrNoImages):
		l.Info("item dropped", slog.String("reason", err.Error()))
		return nil
	default:
		return fmt.Errorf("process item %s: %w", item.ID, err)
	}

	enriched, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item %s: %w", item.ID, err)
	}

	if err := c.publish(c.resultsSubject, enriched); err != nil {
		return fmt.Errorf("publish item %s: %w", item.ID, err)
	}

	l.Info("item forwarded", slog.Int("images", len(item.Images)))
	return nil
}
