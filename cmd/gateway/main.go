// The gateway binary serves the paid-inference API. It loads YAML config
// plus environment overrides, assembles the app, and runs until SIGINT,
// SIGTERM, or the optional max-runtime timer fires.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dekapay/gateway/pkg/dekapay"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file (defaults plus DEKAPAY_* env overrides when empty)")
	flag.Parse()

	// Local development convenience; secrets come from the environment.
	_ = godotenv.Load()

	cfg, err := dekapay.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	app, err := dekapay.NewApp(cfg)
	if err != nil {
		log.Fatalf("assemble gateway: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runtimeExpired <-chan time.Time
	if cfg.Server.MaxRuntimeMinutes > 0 {
		runtimeExpired = time.After(time.Duration(cfg.Server.MaxRuntimeMinutes) * time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start(context.Background())
	}()
	log.Printf("gateway listening on %s", cfg.Server.Address)

	select {
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	case <-runtimeExpired:
		log.Printf("max runtime of %d minutes reached, shutting down", cfg.Server.MaxRuntimeMinutes)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
