// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

// rsmatrix-echo is a minimal bot built on the messaging package: it
// connects to a homeserver, joins the sync loop, and replies to every
// incoming text message with the same body. Useful as an end-to-end
// smoke test for a deployment and as a starting point for real bots.
//
// Configuration comes from a YAML file:
//
//	user_id: "@echo:example.org"
//	password_file: /run/secrets/echo-password   # "-" reads stdin
//	device_id: ""                               # generated when empty
//	homeserver_url: ""                          # skips discovery when set
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/narrensicher/rsmatrix/lib/secret"
	"github.com/narrensicher/rsmatrix/messaging"
)

type botConfig struct {
	UserID        string `yaml:"user_id"`
	PasswordFile  string `yaml:"password_file"`
	DeviceID      string `yaml:"device_id"`
	HomeserverURL string `yaml:"homeserver_url"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("rsmatrix-echo", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "echo.yaml", "path to the YAML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	password, err := secret.ReadFromPath(config.PasswordFile)
	if err != nil {
		return fmt.Errorf("reading password from %s: %w", config.PasswordFile, err)
	}
	defer password.Close()

	deviceID := config.DeviceID
	if deviceID == "" {
		deviceID = "rsmatrix-echo-" + uuid.NewString()
		logger.Info("no device ID configured, generated one", "device_id", deviceID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := messaging.Connect(ctx, messaging.ConnectConfig{
		UserID:        config.UserID,
		Password:      password,
		DeviceID:      deviceID,
		HomeserverURL: config.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	selfID := client.UserID()
	logger.Info("echo bot running", "user_id", selfID, "device_id", client.DeviceID())

	err = client.Run(ctx, func(ctx context.Context, message *messaging.ReceivedTextMessage) error {
		// Never echo our own messages, or two echo bots in one room
		// would never stop talking.
		if message.Sender.User().ID() == selfID {
			return nil
		}
		eventID, err := message.Reply(ctx, message.Body)
		if err != nil {
			return fmt.Errorf("echoing to %s: %w", message.Room.ID(), err)
		}
		logger.Debug("echoed message", "room_id", message.Room.ID(), "event_id", eventID)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func loadConfig(path string) (*botConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config botConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if strings.TrimSpace(config.UserID) == "" {
		return nil, fmt.Errorf("%s: user_id must be set", path)
	}
	if strings.TrimSpace(config.PasswordFile) == "" {
		return nil, fmt.Errorf("%s: password_file must be set", path)
	}
	return &config, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", raw)
}
