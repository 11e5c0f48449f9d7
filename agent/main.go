package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "gocloud.dev/pubsub/mempubsub"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(ctx,
		ConfigureMetricsFromEnv(),
		ConfigureLogSinkFromEnv(),
		ConfigureCleanupFromEnv(),
		ConfigureShutdownFromEnv(),
	)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}
