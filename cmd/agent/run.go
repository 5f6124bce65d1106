package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/pressline/internal/agent"
	"github.com/oriys/pressline/internal/bus"
	"github.com/oriys/pressline/internal/chaos"
	"github.com/oriys/pressline/internal/config"
	"github.com/oriys/pressline/internal/logging"
	"github.com/oriys/pressline/internal/metrics"
	"github.com/oriys/pressline/internal/observability"
	"github.com/oriys/pressline/internal/protocol"
	"github.com/oriys/pressline/internal/worker"
)

func runCmd() *cobra.Command {
	var (
		deviceID    string
		machineType string
		brokerHost  string
		brokerPort  int
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one machine agent process",
		Long:  "Connect to the configured pub/sub broker and run the heartbeat, command, intake, and production-worker loops for one simulated machine until SIGINT/SIGTERM.",
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

			if cmd.Flags().Changed("device-id") {
				cfg.Agent.DeviceID = deviceID
			}
			if cmd.Flags().Changed("machine-type") {
				cfg.Agent.MachineType = machineType
			}
			if cmd.Flags().Changed("broker-host") {
				cfg.Broker.Host = brokerHost
			}
			if cmd.Flags().Changed("broker-port") {
				cfg.Broker.Port = brokerPort
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}

			if cfg.Agent.DeviceID == "" {
				return fmt.Errorf("device id is required (--device-id or PRESSLINE_DEVICE_ID)")
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
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

			if cfg.Observability.Metrics.Enabled {
				metrics.Init(cfg.Observability.Metrics.Namespace)
				mux := http.NewServeMux()
				mux.Handle("GET /metrics", metrics.Handler())
				srv := &http.Server{Addr: cfg.Observability.Metrics.Addr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server exited", "error", err)
					}
				}()
				logging.Op().Info("metrics listening", "addr", cfg.Observability.Metrics.Addr)
			}

			b, err := buildBus(cfg.Broker)
			if err != nil {
				return fmt.Errorf("build bus: %w", err)
			}

			agentCfg := agent.Config{
				DeviceID:        cfg.Agent.DeviceID,
				MachineType:     protocol.MachineType(cfg.Agent.MachineType),
				HeartbeatPeriod: cfg.Agent.HeartbeatPeriod,
				Worker: worker.Config{
					TickMin:    time.Duration(cfg.Agent.TickMinMs) * time.Millisecond,
					TickMax:    time.Duration(cfg.Agent.TickMaxMs) * time.Millisecond,
					AckTimeout: cfg.Agent.AckTimeout,
				},
				Chaos: chaos.Config{
					Enabled: cfg.Chaos.Enabled,
					MinS:    cfg.Chaos.MinS,
					MaxS:    cfg.Chaos.MaxS,
				},
			}

			ag := agent.New(agentCfg, b)
			return ag.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&deviceID, "device-id", "", "this machine's device id, e.g. A-001")
	cmd.Flags().StringVar(&machineType, "machine-type", "", "pipeline stage this machine performs (A, B, C, D)")
	cmd.Flags().StringVar(&brokerHost, "broker-host", "", "pub/sub broker host")
	cmd.Flags().IntVar(&brokerPort, "broker-port", 0, "pub/sub broker port")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	return cmd
}

// buildBus selects and constructs the configured Bus backend. The
// memory backend is only useful within a single process and exists
// for local smoke testing without a real broker.
func buildBus(cfg config.BrokerConfig) (bus.Bus, error) {
	switch cfg.Backend {
	case "mqtt", "":
		return bus.NewMQTTBus(bus.Config{
			Host: cfg.Host,
			Port: cfg.Port,
			User: cfg.User,
			Pass: cfg.Pass,
		}), nil
	case "redis":
		return bus.NewRedisBus(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), cfg.Pass, 0), nil
	case "memory":
		return bus.NewMemoryBroker().NewClient(), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Backend)
	}
}
