package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"quillsync-be/internal/bootstrap"
	"quillsync-be/internal/config"
	"quillsync-be/internal/server"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// 2. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(cfg)

	// 3. Start Background Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := container.CallbackService.Consume(ctx); err != nil {
		log.Printf("Background Callback Error: %v", err)
	}

	// 4. Initialize Server
	srv := server.New(cfg, container)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		cancel()
		_ = srv.Shutdown()
	}()

	color.Green("✅ Sync server is running on http://localhost:%s", cfg.App.Port)
	if err := srv.Run(); err != nil {
		log.Printf("Server stopped: %v", err)
	}

	if err := container.Close(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
