package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/reconcile"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

func newServeCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and push channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("watch") {
				cfg.WatchPayloads = watch
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "process payload files dropped into PAYLOAD_DIR while running")
	return cmd
}

// setup loads the logger shared by every command.
func setup(cfg *config.Config) zerolog.Logger {
	logger := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	zlog.Logger = logger
	return logger
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := setup(cfg)
	srvCfg := cfg.Server()
	server.SetConfig(&srvCfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store())
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("store connection failed")
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing store")
		}
	}()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store connected")

	hub := server.NewHub(logger)
	go hub.Run()

	svc := chat.NewService(st, hub, logger)
	rec := reconcile.New(svc, logger)
	srv := server.New(server.Options{
		Service:  svc,
		Payloads: rec,
		Hub:      hub,
		Store:    st,
		Logger:   logger,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		_ = hub.Shutdown(cfg.ShutdownTimeout)
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	httpServer := server.CreateServer(cfg.Addr(), srv.Handler())

	// Store open, hub running, listener bound.
	srv.MarkReady()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(httpServer, ln, logger)
	})

	if cfg.WatchPayloads {
		watcher := reconcile.NewWatcher(rec, cfg.PayloadDir, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Error().Err(err).Msg("payload watcher stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		var errs []error
		if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
			errs = append(errs, err)
		}
		if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
