package main

import (
	"context"
	"flag"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	chatsync "github.com/putto11262002/chatsync/app"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	config, err := chatsync.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("invalid config:\n%s", chatsync.FormatValidationErrors(err))
	}

	ctx := context.Background()
	app, err := chatsync.New(ctx, config)
	if err != nil {
		log.Fatalf("failed to create app: %v", err)
	}
	if err := app.Start(ctx); err != nil {
		app.Stop(ctx)
		log.Fatalf("failed to start app: %v", err)
	}

	wait := gfshutdown.GracefulShutdown(
		ctx,
		config.Shutdown.Timeout,
		map[string]gfshutdown.Operation{
			"chatsync": func(ctx context.Context) error {
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("exited with code: %d", exitCode)
	os.Exit(exitCode)
}
