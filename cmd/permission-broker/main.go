// Package main is the entry point for the permission broker.
// The bridge wires this binary into the agent CLI's MCP config; the agent
// spawns it per session and consults its permission_prompt tool over stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/broker"
	"github.com/threadbridge/threadbridge/internal/common/logger"
	"github.com/threadbridge/threadbridge/internal/platform"
	"github.com/threadbridge/threadbridge/internal/platform/mattermost"
)

func main() {
	cfg, err := broker.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "permission-broker: %v\n", err)
		os.Exit(1)
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	// stdout carries the MCP protocol; all logging goes to stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     "text",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "permission-broker: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	client, err := newPlatformClient(cfg, log)
	if err != nil {
		log.Fatal("Failed to build platform client", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatal("Failed to connect to platform", zap.Error(err))
	}
	defer func() { _ = client.Disconnect() }()

	b := broker.New(cfg, client, log)
	b.Start()

	log.Info("Permission broker ready",
		zap.String("platform", cfg.PlatformType),
		zap.String("thread_id", cfg.ThreadID),
		zap.Duration("timeout", cfg.Timeout))

	// Blocks until the agent closes our stdin.
	if err := broker.ServeStdio(broker.NewMCPServer(b, log)); err != nil {
		log.Error("MCP server terminated", zap.Error(err))
	}
}

func newPlatformClient(cfg *broker.Config, log *logger.Logger) (platform.Client, error) {
	switch cfg.PlatformType {
	case "mattermost":
		return mattermost.NewClient(mattermost.Config{
			ID:           "broker",
			URL:          cfg.PlatformURL,
			Token:        cfg.PlatformToken,
			ChannelID:    cfg.ChannelID,
			AllowedUsers: cfg.AllowedUsers,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported platform type %q", cfg.PlatformType)
	}
}
