package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yodatable/yoda-server-go/internal/auth"
	"github.com/yodatable/yoda-server-go/internal/config"
	"github.com/yodatable/yoda-server-go/internal/dice"
	"github.com/yodatable/yoda-server-go/internal/gamestate"
	"github.com/yodatable/yoda-server-go/internal/generation"
	"github.com/yodatable/yoda-server-go/internal/repository"
	"github.com/yodatable/yoda-server-go/internal/router"
	"github.com/yodatable/yoda-server-go/internal/server"
	"github.com/yodatable/yoda-server-go/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

const shutdownTimeout = 15 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting YoDA real-time server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	stats := db.Stats()
	logger.Info("database connection pool initialized",
		zap.Int32("total_conns", stats.TotalConns()),
		zap.Int32("idle_conns", stats.IdleConns()),
	)

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	store := repository.NewStore(db)
	verifier := auth.NewVerifier(cfg.Auth, store)

	hub := session.NewHub(logger)
	bridge := gamestate.NewBridge(store, cfg.GameState.MaxRetries, logger)

	generator, err := generation.New(cfg.AI, logger)
	if err != nil {
		logger.Fatal("failed to initialize generator", zap.Error(err))
	}
	logger.Info("generator initialized", zap.String("provider", cfg.AI.Provider))

	msgRouter, err := router.New(store, hub, bridge, dice.NewRoller(), generator, logger)
	if err != nil {
		logger.Fatal("failed to build message router", zap.Error(err))
	}

	wsServer, err := server.NewWebSocketServer(cfg.Server.WebSocket, verifier, msgRouter, hub, db, logger)
	if err != nil {
		logger.Fatal("failed to build WebSocket server", zap.Error(err))
	}
	opsServer := server.NewOpsServer(cfg.Server.GRPC, logger)

	wsListener, err := net.Listen("tcp", cfg.Server.WebSocket.Address)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("address", cfg.Server.WebSocket.Address), zap.Error(err))
	}
	grpcListener, err := net.Listen("tcp", cfg.Server.GRPC.Address)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("address", cfg.Server.GRPC.Address), zap.Error(err))
	}

	go func() {
		if serveErr := opsServer.Serve(grpcListener); serveErr != nil {
			logger.Error("gRPC server error", zap.Error(serveErr))
		}
	}()
	go func() {
		if serveErr := wsServer.Serve(wsListener); serveErr != nil {
			logger.Error("WebSocket server error", zap.Error(serveErr))
			stop()
		}
	}()

	logger.Info("YoDA real-time server initialized",
		zap.String("version", version),
		zap.String("websocket_address", cfg.Server.WebSocket.Address),
		zap.String("grpc_address", cfg.Server.GRPC.Address),
	)

	<-ctx.Done()
	logger.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.CloseAll()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("WebSocket shutdown incomplete", zap.Error(err))
	}
	opsServer.Shutdown()

	logger.Info("YoDA real-time server stopped")
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
