// Command artnethue-bridge bridges Art-Net lighting control frames to one
// or more Hue Entertainment streaming sessions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/huestage/artnethue-bridge/internal/config"
	"github.com/huestage/artnethue-bridge/internal/coordinator"
	"github.com/huestage/artnethue-bridge/internal/status"
)

func main() {
	var (
		configPath = flag.String("config", "config.json", "path to the configuration document")
		logLevel   = flag.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
		dryRun     = flag.Bool("dry-run", false, "validate configuration and exit")
	)
	flag.Parse()

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("artnethue-bridge starting")

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "hubs", len(doc.Hubs), "bindIp", doc.ArtNet.BindIP)

	if *dryRun {
		logger.Info("dry run: configuration is valid")
		return
	}

	tracker := status.New(doc.ArtNet.BindIP)
	coord, err := coordinator.New(doc, tracker, logger)
	if err != nil {
		logger.Error("failed to build coordinator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := coord.Run(ctx); err != nil {
		logger.Error("coordinator exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("artnethue-bridge stopped")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
