package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/logger"
	"github.com/loykin/stackr/internal/orchestrator"
	"github.com/loykin/stackr/internal/server"
)

const shutdownTimeout = 45 * time.Second

func runServe(ctx context.Context, g *GlobalFlags, f *ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	base, err := resolveBase(g.Base)
	if err != nil {
		return err
	}
	layout := config.Layout{Base: base}
	store := config.NewStore(layout.SettingsFile())
	st, err := store.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	log, closer := logger.New(logger.Options{
		Level:    st.Log.Level,
		Color:    isatty.IsTerminal(os.Stderr.Fd()),
		FilePath: layout.AppLog(),
		File: logger.Config{
			MaxSizeMB:  st.Log.MaxSizeMB,
			MaxBackups: st.Log.MaxBackups,
			MaxAgeDays: st.Log.MaxAgeDays,
			Compress:   st.Log.Compress,
		},
	})
	defer func() { _ = closer.Close() }()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack := orchestrator.New(orchestrator.Options{Base: base, Store: store, Logger: log})
	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return stack.Shutdown(sctx)
	}
	if err := stack.Initialize(sigCtx); err != nil {
		_ = shutdown()
		return fmt.Errorf("initialize: %w", err)
	}

	listen := st.Server.Listen
	if f.Listen != "" {
		listen = f.Listen
	}
	srv, err := server.NewServer(listen, st.Server.BasePath, stack, log)
	if err != nil {
		_ = shutdown()
		return fmt.Errorf("start API server: %w", err)
	}
	log.Info("stackr started", "base", base, "api", srv.Addr+st.Server.BasePath)

	if !f.NonBlocking {
		<-sigCtx.Done()
		log.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(sctx)
	return shutdown()
}
