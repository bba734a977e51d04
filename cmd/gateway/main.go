// Package main provides the chat gateway binary: websocket and line transports
// in front of the shared room registry, plus the admin health listener.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatgate/internal/admin"
	"github.com/cory-johannsen/chatgate/internal/auth"
	"github.com/cory-johannsen/chatgate/internal/config"
	"github.com/cory-johannsen/chatgate/internal/gateway"
	"github.com/cory-johannsen/chatgate/internal/observability"
	"github.com/cory-johannsen/chatgate/internal/room"
	"github.com/cory-johannsen/chatgate/internal/server"
	"github.com/cory-johannsen/chatgate/internal/transport/line"
	"github.com/cory-johannsen/chatgate/internal/transport/websocket"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat gateway",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("auth_mode", cfg.Auth.Mode),
	)

	authenticator, err := auth.New(cfg.Auth)
	if err != nil {
		logger.Fatal("building authenticator", zap.Error(err))
	}

	registry := room.NewRegistry(logger.Named("rooms"), cfg.Room)
	gw := gateway.New(logger.Named("gateway"), authenticator, registry, cfg.Gateway, cfg.Auth.HandshakeTimeout)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	wsServer := websocket.NewServer(cfg.HTTP, cfg.Gateway.MaxFrameBytes, gw, registry, logger.Named("websocket"))
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: wsServer.ListenAndServe,
		StopFn:  wsServer.Stop,
	})

	if cfg.Line.Enabled {
		acceptor := line.NewAcceptor(cfg.Line, cfg.Gateway.MaxFrameBytes, gw, logger.Named("line"))
		lifecycle.Add("line", &server.FuncService{
			StartFn: acceptor.ListenAndServe,
			StopFn:  acceptor.Stop,
		})
	}

	if cfg.Admin.Enabled {
		adminServer := admin.NewServer(cfg.Admin, logger.Named("admin"))
		lifecycle.Add("admin", &server.FuncService{
			StartFn: func() error {
				adminServer.SetServing(true)
				return adminServer.ListenAndServe()
			},
			StopFn: adminServer.Stop,
		})
		lifecycle.OnDrain(func() { adminServer.SetServing(false) })
	}

	lifecycle.OnDrain(func() {
		rooms, sessions := registry.Stats()
		logger.Info("draining connections",
			zap.Int("rooms", rooms),
			zap.Int("sessions", sessions),
		)
	})

	logger.Info("chat gateway initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Bool("line_enabled", cfg.Line.Enabled),
		zap.Bool("admin_enabled", cfg.Admin.Enabled),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
