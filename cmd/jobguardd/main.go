package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobguard/internal/config"
	"jobguard/internal/coordinator"
)

// jobguardd runs jobguard in reconciliation-only mode against an existing
// queue's Redis and Postgres. Submission mirroring requires embedding the
// library in the producer process; this daemon covers recovery and cleanup
// for hosts that cannot.
func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	coord, err := coordinator.Create(ctx, cfg)
	if err != nil {
		log.Fatalf("jobguardd: %v", err)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
