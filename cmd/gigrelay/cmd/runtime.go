package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/funagig/gigrelay/config"
	"github.com/funagig/gigrelay/internal/db"
	"github.com/funagig/gigrelay/internal/logging"
	"github.com/funagig/gigrelay/internal/telemetry"
	"github.com/funagig/gigrelay/repository"
	repomemory "github.com/funagig/gigrelay/repository/memory"
	repopostgres "github.com/funagig/gigrelay/repository/postgres"
	"github.com/funagig/gigrelay/session"
	sessionbolt "github.com/funagig/gigrelay/session/bbolt"
	sessionmemory "github.com/funagig/gigrelay/session/memory"
	sessionpostgres "github.com/funagig/gigrelay/session/postgres"
)

const shutdownTimeout = 10 * time.Second

// runtime holds the dependencies shared by the relay and the gateway.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	meter    *telemetry.Provider
	sessions *session.Manager
	repo     repository.Repository
	closers  []func()
}

// newRuntime loads configuration and opens the shared stores. split is set
// by the relay and gateway commands, which run as separate processes and so
// need a session backend both can reach.
func newRuntime(ctx context.Context, split bool) (*runtime, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if split {
		if err := cfg.RequireSharedSessions(); err != nil {
			return nil, err
		}
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	rt.meter, err = telemetry.NewProvider(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	rt.meter.SetGlobal()

	store, err := rt.openSessionStore(ctx)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.sessions = session.NewManager(store,
		session.WithTTL(cfg.SessionTTL),
		session.WithLogger(logger),
	)

	if err := rt.openRepository(); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) openSessionStore(ctx context.Context) (session.Store, error) {
	switch rt.cfg.SessionBackend {
	case config.BackendBolt:
		if err := os.MkdirAll(rt.cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := sessionbolt.NewStoreFromFile(filepath.Join(rt.cfg.DataDir, "sessions.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		rt.closers = append(rt.closers, func() { store.Close() })
		return store, nil
	case config.BackendPostgres:
		store, err := sessionpostgres.NewStoreFromDSN(ctx, rt.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	default:
		return sessionmemory.NewStore(), nil
	}
}

func (rt *runtime) openRepository() error {
	if rt.cfg.DatabaseURL == "" {
		rt.logger.Warn("DATABASE_URL is not set; using an empty in-memory repository")
		rt.repo = repomemory.New()
		return nil
	}
	conn, err := db.Open(rt.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	repo := repopostgres.New(conn)
	rt.repo = repo
	rt.closers = append(rt.closers, repo.Close)
	return nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	if rt.meter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.meter.Shutdown(ctx); err != nil {
			rt.logger.Warn("metrics shutdown failed", "error", err)
		}
	}
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down
// gracefully. onShutdown runs before the listener closes.
func serveUntilDone(ctx context.Context, logger *slog.Logger, srv *http.Server, onShutdown func()) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if onShutdown != nil {
		onShutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return <-errCh
}
