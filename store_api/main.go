package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/darwin-demo/store/chaosstate"
	"github.com/darwin-demo/store/config"
	"github.com/darwin-demo/store/middleware"
	"github.com/darwin-demo/store/store_api/catalog"
)

// chaosSource is the state reader and outcome recorder the middleware uses.
type chaosSource interface {
	chaosstate.Reader
	chaosstate.Recorder
}

func openChaosSource(cfg config.Config) (chaosSource, func(), error) {
	switch cfg.State.Backend {
	case config.StateBackendRedis:
		rs, err := chaosstate.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("[STATE] Reading chaos state from Redis at %s", cfg.Redis.Addr)
		return rs, func() { rs.Close() }, nil
	case config.StateBackendRemote:
		log.Printf("[STATE] Polling chaos state from %s every %v", cfg.State.ControllerURL, cfg.State.RemoteTTL)
		return chaosstate.NewRemoteStore(chaosstate.RemoteConfig{
			BaseURL: cfg.State.ControllerURL,
			TTL:     cfg.State.RemoteTTL,
			Timeout: cfg.State.RemoteTimeout,
		}), func() {}, nil
	default:
		log.Printf("[STATE] Reading chaos state from %s", cfg.State.File)
		return chaosstate.NewFileStore(cfg.State.File), func() {}, nil
	}
}

// openCatalog connects to Postgres, falling back to the seeded demo catalog.
func openCatalog(ctx context.Context, cfg config.Config) catalog.Catalog {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, err := catalog.NewPostgresCatalog(connectCtx, cfg.Database.ConnString())
	if err != nil {
		log.Printf("[CATALOG] Postgres unavailable, serving demo catalog: %v", err)
		return catalog.SeedCatalog(time.Now())
	}
	log.Printf("[CATALOG] Connected to Postgres")
	return c
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, closeSource, err := openChaosSource(cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	cat := openCatalog(ctx, cfg)
	defer cat.Close()

	api := NewAPI(cat, source, cfg.StoreAPI.Version)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.StoreAPI.Port),
		Handler:           api.Handler(middleware.ChaosOptions{Enabled: cfg.Chaos.Enabled()}, source),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Darwin store listening on %s (state %s, chaos %s)", srv.Addr, cfg.State.Backend, cfg.Chaos.Mode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Printf("Shutting down store API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("store api: %v", err)
	}
}
