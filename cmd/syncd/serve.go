package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canvas-sync/internal/config"
	"canvas-sync/internal/connectivity"
	"canvas-sync/internal/handler"
	"canvas-sync/internal/operation"
	"canvas-sync/internal/realtime"
	"canvas-sync/internal/rpc"
	"canvas-sync/internal/service"
	"canvas-sync/internal/storage"
	"canvas-sync/internal/websocket"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.close()

	tracker := connectivity.NewTracker(connectivity.Thresholds{
		DisconnectGrace: cfg.Sync.DisconnectGrace,
		ErrorWindow:     cfg.Sync.ErrorWindow,
		ErrorThreshold:  cfg.Sync.ErrorThreshold,
	})
	tracker.SetReadOnlyFailsafe(cfg.Sync.ReadOnlyFailsafe)

	remote := rpc.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token).WithTimeout(cfg.Remote.RequestTimeout)
	engine := service.NewEngine(
		st.outbox,
		st.snapshots,
		remote,
		operation.NewBuilder(cfg.Sync.ClientID),
		tracker,
		service.EngineConfig{
			BackoffMin:        cfg.Sync.BackoffMin,
			BackoffMax:        cfg.Sync.BackoffMax,
			MonitorInterval:   cfg.Sync.MonitorInterval,
			HistoryMaxEntries: cfg.History.MaxEntries,
		},
		logger.With("component", "engine"),
	)

	// Without a realtime channel the service counts as reachable and
	// failures surface through the error window.
	if cfg.Remote.WebSocketURL == "" {
		engine.SetRemoteConnected(true)
	}

	manager := websocket.NewManager(websocket.Options{
		MaxConnPerSubject: cfg.WebSocket.MaxConnPerUser,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		WriteWait:         cfg.WebSocket.WriteWait,
		PongWait:          cfg.WebSocket.PongWait,
		PingPeriod:        cfg.WebSocket.PingPeriod,
	}, logger.With("component", "hub"))
	manager.SetMessageHandler(handler.NewWebSocketMessageHandler(manager))

	router := handler.NewRouter(handler.RouterDeps{
		Documents:    handler.NewDocumentHandler(engine),
		Connectivity: handler.NewConnectivityHandler(engine),
		WebSocket:    handler.NewWebSocketHandler(manager, cfg.JWT.Secret, cfg.WebSocket, logger),
		JWTSecret:    cfg.JWT.Secret,
		CORS:         cfg.CORS,
		Logger:       logger.With("component", "http"),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	events, unsubscribe := engine.Subscribe(256)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return handler.RelayEvents(gctx, events, manager) })

	if cfg.Remote.WebSocketURL != "" {
		monitor := realtime.NewMonitor(realtime.Config{
			URL:            cfg.Remote.WebSocketURL,
			Token:          cfg.Remote.Token,
			ClientID:       cfg.Sync.ClientID,
			WriteWait:      cfg.WebSocket.WriteWait,
			PongWait:       cfg.WebSocket.PongWait,
			PingPeriod:     cfg.WebSocket.PingPeriod,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			ReconnectMin:   cfg.Sync.BackoffMin,
			ReconnectMax:   cfg.Sync.BackoffMax,
		}, engine, logger)
		g.Go(func() error { return monitor.Run(gctx) })
	}

	if st.db != nil {
		g.Go(func() error {
			storage.RunGC(gctx, st.db, st.gc)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting syncd", "addr", srv.Addr, "client_id", cfg.Sync.ClientID, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down syncd")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("syncd stopped gracefully")
	return nil
}
