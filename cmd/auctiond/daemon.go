package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/auction/internal/agent"
	"github.com/oriys/auction/internal/broker"
	"github.com/oriys/auction/internal/config"
	"github.com/oriys/auction/internal/coordinator"
	"github.com/oriys/auction/internal/logging"
	"github.com/oriys/auction/internal/metrics"
	"github.com/oriys/auction/internal/observability"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel  string
		numAgents int
		httpAddr  string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Coordinator and its Agent pool",
		Long:  "Run auctiond as the task-dispatch daemon: broker, coordinator, and a pool of agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("redis-addr") {
				cfg.Broker.RedisAddr = redisAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("num-agents") {
				cfg.Daemon.NumAgents = numAgents
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var m *metrics.Metrics
			if cfg.Observability.Metrics.Enabled {
				m = metrics.New(cfg.Observability.Metrics.Namespace)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			br := broker.Select(ctx, broker.Config{
				Backend:        cfg.Broker.Backend,
				AckTimeout:     cfg.Broker.AckTimeout,
				MaxRetries:     cfg.Broker.MaxRetries,
				RetransmitTick: cfg.Broker.RetransmitTick,
				QueueBuffer:    cfg.Broker.QueueBuffer,
				RedisAddr:      cfg.Broker.RedisAddr,
			})
			if err := br.Listen(ctx); err != nil {
				return fmt.Errorf("start broker: %w", err)
			}
			defer br.Stop()

			coord := coordinator.New(br, cfg.Auction, m)
			coord.Start(ctx)
			defer coord.Wait()

			agents := make([]*agent.Agent, 0, cfg.Daemon.NumAgents)
			for i := 0; i < cfg.Daemon.NumAgents; i++ {
				a := agent.New(fmt.Sprintf("agent-%d", i+1), br, cfg.Agent, m)
				a.Start(ctx)
				agents = append(agents, a)
			}

			if httpAddr != "" {
				mux := http.NewServeMux()
				if m != nil {
					mux.Handle("/metrics", m.Handler())
				}
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ok"))
				})
				srv := &http.Server{Addr: httpAddr, Handler: observability.HTTPMiddleware(mux)}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			logging.Op().Info("auctiond started", "num_agents", cfg.Daemon.NumAgents, "broker_backend", cfg.Broker.Backend)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			cancel()
			for _, a := range agents {
				a.Stop()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().IntVar(&numAgents, "num-agents", 0, "Number of agents to run in this process")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":9090", "Address for the /metrics and /healthz HTTP endpoints (empty disables)")

	return cmd
}
