package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/jamesalmeida/fastclaw-relay/internal/adapter/gateway"
	"github.com/jamesalmeida/fastclaw-relay/internal/adapter/localctl"
	"github.com/jamesalmeida/fastclaw-relay/internal/adapter/remote"
	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
	"github.com/jamesalmeida/fastclaw-relay/internal/infra/config"
	"github.com/jamesalmeida/fastclaw-relay/internal/infra/logger"
	"github.com/jamesalmeida/fastclaw-relay/internal/infra/tracer"
	"github.com/jamesalmeida/fastclaw-relay/internal/usecase/relay"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(home, ".fastclaw", "relay.yaml")
}

func run() error {
	// 1. Config
	cfgPath := flag.String("config", defaultConfigPath(), "path to the relay config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Remote store
	instanceID := cfg.Relay.InstanceID
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			instanceID = host
		} else {
			instanceID = "fastclaw-relay"
		}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
		return fmt.Errorf("store dir: %w", err)
	}
	sqlite, err := remote.NewSQLiteStore(cfg.Store.Path, instanceID)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer sqlite.Close()

	var store domain.RemoteStore = sqlite
	if !cfg.Store.BreakerDisabled {
		store = remote.NewBreakerStore(sqlite, log)
	}

	// 4. Local agent tooling
	control := localctl.NewCLIControl(cfg.Control.Binary, cfg.Control.Timeout, log)

	// 5. Orchestrator
	dial := relay.NewGatewayDialer(gateway.Config{
		URL:         cfg.Gateway.URL,
		Token:       cfg.Gateway.Token,
		ClientID:    cfg.Gateway.ClientID,
		DisplayName: cfg.Gateway.DisplayName,
		Version:     version,
		Platform:    runtime.GOOS,
		Mode:        cfg.Gateway.Mode,
		Role:        cfg.Gateway.Role,
		Scopes:      cfg.Gateway.Scopes,
	}, log)

	r := relay.New(relay.Options{
		InstanceID:    instanceID,
		Platform:      runtime.GOOS,
		Version:       version,
		BackfillLimit: cfg.Relay.BackfillLimit,
		SendRate:      rate.Limit(cfg.Relay.SendRate),
		SendBurst:     cfg.Relay.SendBurst,
	}, dial, store, control, log)

	// 6. Signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		r.Stop()
	}()

	log.Info("relay starting",
		"version", version,
		"instance_id", instanceID,
		"gateway_url", cfg.Gateway.URL,
		"store_path", cfg.Store.Path,
	)
	return r.Run(context.Background())
}
