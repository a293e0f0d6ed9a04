package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/b3x-data/b3x/app/refinery"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := refinery.Initialize(ctx)
	if err != nil {
		log.Fatalf("refinery: %v", err)
	}

	if err := app.Start(ctx); err != nil {
		cancel()
		log.Fatalf("refinery: %v", err)
	}
}
