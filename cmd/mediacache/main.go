package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/Snapier494/mediacache/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	a := app.New(ctx)
	if err := a.Run(ctx); err != nil {
		log.Fatalln("mediacache:", err)
	}
}
