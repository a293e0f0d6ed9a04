package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/b3x-data/b3x/app/trigger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := trigger.Initialize(ctx)
	if err != nil {
		log.Fatalf("trigger: %v", err)
	}

	app.Start(ctx)
}
