package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/retail-a2a/host/internal/config"
	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/internal/registry"
	"github.com/retail-a2a/host/internal/router"
	"github.com/retail-a2a/host/internal/server"
	"github.com/retail-a2a/host/internal/task"
	"github.com/retail-a2a/host/internal/telemetry"
	"github.com/retail-a2a/host/internal/transport"
	"github.com/retail-a2a/host/pkg/a2a"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the host agent",
	Long: `Start the host agent.

Specialists listed in the config (agents, agent_urls or HOSTAGENT_AGENT_URLS)
are discovered at startup. An agent that is down is logged and can be added
later with POST /api/agents or by editing the config file, which is watched.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Network.ListenAddr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		HTTPEndpoint:   cfg.Telemetry.HTTPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Host.Version,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(otelapi.Meter("hostagent"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	reg := registry.New(registry.Options{
		FreshnessWindow:  cfg.Registry.FreshnessWindow,
		RefreshInterval:  cfg.Registry.RefreshInterval,
		FailureThreshold: cfg.Registry.FailureThreshold,
		FetchTimeout:     cfg.Registry.FetchTimeout,
		MinRefreshGap:    cfg.Registry.MinRefreshGap,
	})
	defer reg.Close()

	manager := task.NewManager(
		transport.NewClient(transport.DefaultClientConfig()),
		task.Config{
			TaskTimeout:  cfg.Dispatch.TaskTimeout,
			MaxRetries:   cfg.Dispatch.MaxRetries,
			RetryBackoff: cfg.Dispatch.RetryBackoff,
			Streaming:    cfg.Dispatch.Streaming,
		},
		task.WithRecorder(reg),
		task.WithMetrics(metrics),
	)
	orch := orchestrator.New(reg, router.New(cfg.Routing.Threshold), manager, orchestrator.Config{
		Timeout:     cfg.Dispatch.Timeout,
		MaxParallel: cfg.Dispatch.MaxParallel,
	}, orchestrator.WithMetrics(metrics))

	srv := server.NewServer(server.Options{
		Registry:     reg,
		Orchestrator: orch,
		Card:         hostCard(cfg),
	})

	registerAll(ctx, reg, cfg.Endpoints())
	loader.Watch(func(next *config.Config) {
		registerAll(context.Background(), reg, next.Endpoints())
	})

	log.Printf("Host agent starting...")
	log.Printf("   Name: %s", cfg.Host.Name)
	log.Printf("   Listening on: %s", cfg.Network.ListenAddr)
	log.Printf("   Specialists: %d registered", len(reg.ListAgents()))
	log.Printf("   Dispatch: timeout=%s task_timeout=%s retries=%d streaming=%v",
		cfg.Dispatch.Timeout, cfg.Dispatch.TaskTimeout, cfg.Dispatch.MaxRetries, cfg.Dispatch.Streaming)
	log.Printf("   JSON-RPC 2.0: /api/v1/rpc, A2A: /")

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start(cfg.Network.ListenAddr)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Printf("Telemetry shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
	return nil
}

// registerAll discovers every endpoint concurrently. Unreachable agents are
// logged, not fatal: the host serves whoever answered and keeps retrying the rest.
func registerAll(ctx context.Context, reg *registry.Registry, endpoints []string) {
	var g errgroup.Group
	for _, endpoint := range endpoints {
		endpoint := endpoint
		g.Go(func() error {
			card, err := reg.Track(ctx, endpoint)
			if err != nil {
				log.Printf("[serve] specialist at %s unavailable, will retry: %v", endpoint, err)
				return nil
			}
			log.Printf("[serve] specialist %s ready at %s", card.Name, endpoint)
			return nil
		})
	}
	_ = g.Wait()
}

func hostCard(cfg *config.Config) a2a.AgentCard {
	url := cfg.Network.PublicURL
	if url == "" {
		url = "http://" + cfg.Network.ListenAddr
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return a2a.AgentCard{
		Name:               cfg.Host.Name,
		Description:        cfg.Host.Description,
		URL:                url,
		Version:            cfg.Host.Version,
		ProtocolVersion:    a2a.ProtocolVersion,
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
	}
}
