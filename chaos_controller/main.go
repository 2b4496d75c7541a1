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

	"github.com/darwin-demo/store/chaos_controller/loadgen"
	"github.com/darwin-demo/store/chaosstate"
	"github.com/darwin-demo/store/config"
	"github.com/darwin-demo/store/idempotency"
	"github.com/darwin-demo/store/journal"
	"github.com/darwin-demo/store/middleware"
)

// openStateStore returns the store the controller writes chaos state to.
// The controller owns the state, so the remote backend maps to its local
// file, which it then serves on /api/state.
func openStateStore(cfg config.Config) (chaosstate.Store, func(), error) {
	switch cfg.State.Backend {
	case config.StateBackendRedis:
		rs, err := chaosstate.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("[STATE] Using Redis at %s", cfg.Redis.Addr)
		return rs, func() { rs.Close() }, nil
	default:
		log.Printf("[STATE] Using state file %s", cfg.State.File)
		return chaosstate.NewFileStore(cfg.State.File), func() {}, nil
	}
}

func openJournal(cfg config.Config) *journal.Journal {
	var backend journal.Backend
	switch cfg.Journal.Backend {
	case config.JournalBackendMemory:
		backend = journal.NewMemoryBackend()
	default:
		backend = journal.NewPostgresBackend(cfg.Database.ConnString())
	}
	return journal.New(backend, journal.DefaultConfig())
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	j := openJournal(cfg)
	if j.Init(ctx) {
		log.Printf("[JOURNAL] Using %s backend", cfg.Journal.Backend)
	} else {
		log.Printf("[JOURNAL] Backend unavailable, serving reports from memory")
	}
	j.StartRecovery(ctx, cfg.Journal.RecoveryInterval)
	defer j.Close()

	ctrl := NewController(cfg.Controller, cfg.Chaos.Enabled(), store,
		loadgen.NewMemoryHog(cfg.Controller.MemoryChunkMB, loadgen.RuntimeAllocator),
		WorkerFactory(cfg.Controller))
	defer ctrl.Shutdown()

	hub := NewStatusHub(cfg.Controller.MaxStreamConns, time.Second, ctrl.Status)
	go hub.Run(ctx)

	api := NewAPI(ctrl, store, j, hub,
		idempotency.NewStore(idempotency.DefaultTTL),
		NewTokenBucketLimiter(cfg.Journal.ReportRate, cfg.Journal.ReportBurst))
	api.apiToken = cfg.Controller.APIToken
	if api.apiToken == "" {
		log.Printf("[API] CHAOS_API_TOKEN not set, chaos settings are unauthenticated")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Controller.Port),
		Handler:           middleware.CORSMiddleware(api.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Chaos controller listening on %s (load mode %s, chaos %s)",
			srv.Addr, cfg.Controller.LoadMode, cfg.Chaos.Mode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Printf("Shutting down chaos controller")
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
		log.Fatalf("chaos controller: %v", err)
	}
}
