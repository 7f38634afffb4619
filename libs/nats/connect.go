package natsq

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type Config struct {
	Name          string
	MaxReconnects int
}

// StreamConfig describes the item stream: the raw-items subject and the
// enriched-results subject live on the same stream so one retention
// policy covers both.
type StreamConfig struct {
	Name     string
	Subjects []string

	// MaxAge bounds how long unconsumed items survive; stale items are
	// pointless to enrich. Zero means 24h.
	MaxAge time.Duration
}

func NewConnect(url string, cfg Config) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return nc, nil
}

func NewJetStream(nc *nats.Conn, cfg StreamConfig) (nats.JetStreamContext, error) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("JetStream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.Subjects,
		Storage:  nats.FileStorage,
		MaxAge:   cfg.MaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("JetStream AddStream: %w", err)
	}

	return js, nil
}
