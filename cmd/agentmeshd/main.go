// Package main is the entry point for the agentmesh daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/api"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/mcp"
	"github.com/agentmesh/agentmesh/internal/network"
	"github.com/agentmesh/agentmesh/internal/permission"
	"github.com/agentmesh/agentmesh/internal/store"
)

func main() {
	// The CLI child processes re-invoke this binary as their stdio MCP
	// kernel. Handle that mode before anything else.
	if len(os.Args) > 1 && os.Args[1] == "kernel" {
		runKernel()
		return
	}

	flags := flag.NewFlagSet("agentmeshd", flag.ExitOnError)
	port := flags.Int("port", -1, "listen port (0 for ephemeral, default from config)")
	configPath := flags.String("config", "", "directory containing config.yaml")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", flags.Arg(0))
		os.Exit(2)
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port >= 0 {
		cfg.Server.Port = *port
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentmesh", zap.String("storage_root", cfg.Storage.Root))

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		os.Exit(1)
	}
	defer closeBus()

	projectDir := store.APIProjectDir(cfg.Storage.Root, mustWorkingDir())
	networks := store.NewNetworkStore(projectDir, log)
	memory := store.NewMemoryStore(projectDir)

	asker := permission.NewChannelAsker()
	manager := network.NewManager(network.Deps{
		Config:    cfg,
		Logger:    log,
		Bus:       eventBus,
		Store:     networks,
		Memory:    memory,
		PermAsker: asker,
	})

	cache := network.NewCache(manager, networks, log)
	broker := api.NewPermissionBroker(asker, log)
	handler := api.NewHandler(manager, cache, broker, log)
	server := api.NewServer(cfg.Server, handler, log)

	if err := server.Start(); err != nil {
		log.Error("failed to bind listener", zap.Error(err))
		os.Exit(1)
	}
	manager.SetControlURL(server.URL())

	// The launcher (and humans) read this line to find the server.
	fmt.Println(server.URL())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	manager.Close(shutdownCtx)

	log.Info("stopped")
}

// runKernel serves the stdio MCP kernel until the parent CLI closes the
// pipes. Diagnostics go to a file, stdout belongs to the protocol.
func runKernel() {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "info",
		Format:     "json",
		OutputPath: filepath.Join(os.TempDir(), "agentmesh-kernel.log"),
	})
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mcp.RunKernelStdio(ctx, log); err != nil {
		log.Error("kernel stopped", zap.Error(err))
		os.Exit(1)
	}
}

func mustWorkingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
