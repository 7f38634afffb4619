package app

import (
	"context"
	"log/slog"
	"time"
)

type app struct {
	di *dependencyInjector
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()

	return &app{di: di}
}

func (a *app) Run(ctx context.Context) error {
	c := a.di.Consumer(ctx)
	slog.Info("mediacache starting...")

	defer a.di.Close()
	defer c.Stop(ctx)

	c.Run(ctx)
	slog.Info("mediacache running...")

	<-ctx.Done()

	slog.Info("mediacache shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Drain the replication queue before the process exits so nothing
	// stays local-only without a record.
	if closer, ok := a.di.store.(interface{ Close(ctx context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			slog.Error("store close", slog.String("error", err.Error()))
		}
	}

	return nil
}
