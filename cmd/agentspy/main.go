// Agent Spy server - ingests agent execution traces over LangSmith REST,
// OTLP/HTTP, and OTLP/gRPC, and serves the dashboard query/WebSocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/agentspy/agentspy/pkg/api"
	"github.com/agentspy/agentspy/pkg/cache"
	"github.com/agentspy/agentspy/pkg/config"
	"github.com/agentspy/agentspy/pkg/database"
	"github.com/agentspy/agentspy/pkg/events"
	"github.com/agentspy/agentspy/pkg/otlp"
	"github.com/agentspy/agentspy/pkg/services"
	"github.com/agentspy/agentspy/pkg/store"
	"github.com/agentspy/agentspy/pkg/version"
)

// Exit codes: 0 normal shutdown, 1 fatal init error (bind/DB),
// 2 configuration error.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

// shutdownGrace bounds how long in-flight requests may drain on shutdown.
const shutdownGrace = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	// Flags mirror the environment; a flag set on the command line wins.
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	host := flag.String("host", "", "Bind address (overrides HOST)")
	port := flag.String("port", "", "HTTP port (overrides PORT)")
	grpcPort := flag.String("otlp-grpc-port", "", "OTLP gRPC port (overrides OTLP_GRPC_PORT)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded", "path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != "" {
		if cfg.Port, err = strconv.Atoi(*port); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: invalid -port: %v\n", err)
			return exitConfig
		}
	}
	if *grpcPort != "" {
		if cfg.OTLPGRPCPort, err = strconv.Atoi(*grpcPort); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: invalid -otlp-grpc-port: %v\n", err)
			return exitConfig
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	if err := config.SetupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	slog.Info("Starting Agent Spy",
		"version", version.Full(),
		"host", cfg.Host,
		"port", cfg.Port,
		"otlp_grpc_enabled", cfg.OTLPGRPCEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		return exitConfig
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return exitFatal
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL, schema up to date")

	// Event hub and WebSocket connection manager.
	hub := events.NewHub()
	defer hub.Close()
	connManager := events.NewConnectionManager(hub, events.ManagerConfig{
		WriteTimeout: cfg.WSWriteTimeout,
		PingInterval: cfg.WSPingInterval,
		BufferSize:   cfg.WSBufferSize,
		MaxDropped:   int64(cfg.WSMaxDropped),
	})

	// Stores and services.
	runStore := store.NewRunStore(dbClient.DB())
	feedbackStore := store.NewFeedbackStore(dbClient.DB())
	statsCache := cache.NewMemory()
	runService := services.NewRunService(runStore, hub, statsCache,
		cfg.StatsCacheTTL, cfg.MaxTraceSizeBytes())
	feedbackService := services.NewFeedbackService(feedbackStore)

	// HTTP server (REST + OTLP HTTP + dashboard + WebSocket).
	server := api.NewServer(cfg, dbClient, runService, feedbackService, hub, connManager)
	httpAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		slog.Error("Failed to bind HTTP listener", "addr", httpAddr, "error", err)
		return exitFatal
	}

	// OTLP gRPC receiver on its own port.
	var grpcServer *grpc.Server
	var grpcLn net.Listener
	if cfg.OTLPGRPCEnabled {
		grpcAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.OTLPGRPCPort))
		grpcLn, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			slog.Error("Failed to bind gRPC listener", "addr", grpcAddr, "error", err)
			return exitFatal
		}
		grpcServer = grpc.NewServer()
		otlp.NewGRPCServer(runService).Register(grpcServer)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", httpAddr)
		if err := server.StartWithListener(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcServer != nil {
		g.Go(func() error {
			slog.Info("OTLP gRPC server listening", "addr", grpcLn.Addr().String())
			if err := grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		connManager.Shutdown()
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown error", "error", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		return exitFatal
	}

	slog.Info("Shutdown complete")
	return exitOK
}
