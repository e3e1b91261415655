// Package agent wires the velt-agent subsystems together and runs the local
// HTTP API the desktop shell connects to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/veltworks/velt-agent/internal/auditlog"
	"github.com/veltworks/velt-agent/internal/config"
	"github.com/veltworks/velt-agent/internal/localapi"
	"github.com/veltworks/velt-agent/internal/lockfile"
	"github.com/veltworks/velt-agent/internal/modelroute"
	"github.com/veltworks/velt-agent/internal/settings"
	"github.com/veltworks/velt-agent/internal/settings/serverstore"
	"github.com/veltworks/velt-agent/internal/toolserver"
)

type Options struct {
	Config *config.Config

	Version   string
	Commit    string
	BuildTime string
}

type Agent struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	lock    *lockfile.Lock
	store   *serverstore.Store
	secrets *settings.SecretsStore
	manager *toolserver.Manager
	router  *modelroute.Router
	audit   *auditlog.Store
	api     *localapi.Server
}

func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("nil config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(opts.Config.EffectiveLogFormat(), opts.Config.EffectiveLogLevel())
	if err != nil {
		return nil, err
	}

	stateDir := opts.Config.EffectiveStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	// Only one agent may own a state dir at a time.
	lock, err := lockfile.Acquire(filepath.Join(stateDir, "agent.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("another velt-agent is already running with state dir %s", stateDir)
		}
		return nil, fmt.Errorf("acquire state dir lock: %w", err)
	}

	store, err := serverstore.Open(opts.Config.ServerStorePath())
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open tool server registry: %w", err)
	}

	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	secrets := settings.NewSecretsStore(opts.Config.SecretsPath())
	manager := toolserver.NewManager(toolserver.Options{Log: logger, Source: store})
	router := modelroute.NewRouter(logger, opts.Config.Model, secrets)

	a := &Agent{
		cfg:       opts.Config,
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		lock:      lock,
		store:     store,
		secrets:   secrets,
		manager:   manager,
		router:    router,
		audit:     audit,
	}
	a.api = localapi.New(localapi.Options{
		Log:     logger,
		Config:  opts.Config,
		Store:   store,
		Secrets: secrets,
		Manager: manager,
		Router:  router,
		Audit:   audit,
	})
	return a, nil
}

// Run serves the local API until ctx is cancelled, then tears down every
// live tool server connection before returning.
func (a *Agent) Run(ctx context.Context) error {
	if a == nil {
		return errors.New("nil agent")
	}
	defer func() {
		a.manager.DisposeAll()
		_ = a.store.Close()
		_ = a.lock.Release()
	}()

	addr := a.cfg.EffectiveListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("local api listening",
			"component", "agent", "addr", addr, "version", a.version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		a.log.Info("agent stopped", "component", "agent")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("local api: %w", err)
		}
		return nil
	}
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "", "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
