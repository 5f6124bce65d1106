// Package agent composes the bus client, machine state, heartbeat
// emitter, command handler, work intake, production worker, and
// failure injector into one running process, and owns the SIGINT/
// SIGTERM shutdown handshake.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/pressline/internal/bus"
	"github.com/oriys/pressline/internal/chaos"
	"github.com/oriys/pressline/internal/command"
	"github.com/oriys/pressline/internal/heartbeat"
	"github.com/oriys/pressline/internal/intake"
	"github.com/oriys/pressline/internal/logging"
	"github.com/oriys/pressline/internal/machine"
	"github.com/oriys/pressline/internal/metrics"
	"github.com/oriys/pressline/internal/protocol"
	"github.com/oriys/pressline/internal/worker"
)

// Config configures one agent process.
type Config struct {
	DeviceID    string
	MachineType protocol.MachineType

	HeartbeatPeriod time.Duration
	Worker          worker.Config
	Chaos           chaos.Config
}

// Agent is the running composition of one machine process.
type Agent struct {
	cfg Config
	bus bus.Bus

	Machine   *machine.Machine
	heartbeat *heartbeat.Emitter
	command   *command.Handler
	intake    *intake.Intake
	worker    *worker.Worker
	injector  *chaos.Injector
}

// New wires every component together but does not yet subscribe or
// start any goroutines; call Run for that.
func New(cfg Config, b bus.Bus) *Agent {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = time.Second
	}
	m := machine.New(cfg.DeviceID, cfg.MachineType)
	a := &Agent{
		cfg:       cfg,
		bus:       b,
		Machine:   m,
		heartbeat: heartbeat.New(m, b, cfg.HeartbeatPeriod),
		command:   command.New(m),
		intake:    intake.New(m, b),
		worker:    worker.New(m, b, cfg.Worker),
		injector:  chaos.New(cfg.DeviceID, cfg.Chaos),
	}
	return a
}

// Run connects to the bus, subscribes every topic this agent reacts
// to, starts the heartbeat and worker loops, arms the failure
// injector, and blocks until ctx is canceled or SIGINT/SIGTERM is
// received, at which point it performs a graceful shutdown.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.bus.Connect(ctx); err != nil {
		return fmt.Errorf("agent: connect: %w", err)
	}

	subs := []struct {
		topic   string
		qos     bus.QoS
		handler bus.Handler
	}{
		{protocol.TopicCommand, bus.QoS1, func(_ string, payload []byte) { a.command.Handle(payload) }},
		{protocol.TopicWork, bus.QoS1, func(_ string, payload []byte) { a.intake.Handle(context.Background(), payload) }},
		{protocol.TopicProgress, bus.QoS1, func(_ string, payload []byte) { a.intake.HandleProgress(context.Background(), payload) }},
		{protocol.TopicAck, bus.QoS1, func(_ string, payload []byte) { a.worker.HandleAck(payload) }},
		{protocol.TopicReassign, bus.QoS1, func(_ string, payload []byte) { a.worker.HandleReassign(payload) }},
	}
	for _, s := range subs {
		if err := a.bus.Subscribe(ctx, s.topic, s.qos, s.handler); err != nil {
			return fmt.Errorf("agent: subscribe %s: %w", s.topic, err)
		}
	}

	metrics.SetStatus(a.cfg.DeviceID, string(protocol.StatusIdle))
	a.heartbeat.Start()
	a.worker.Start(ctx)
	a.injector.Start()

	logging.Op().Info("agent running", "device_id", a.cfg.DeviceID, "machine_type", a.cfg.MachineType)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
		logging.Op().Info("agent: shutdown signal received", "device_id", a.cfg.DeviceID)
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the worker and heartbeat loops, disarms the failure
// injector, and disconnects from the bus. The heartbeat emitter
// publishes one final status=off heartbeat before this returns.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.injector.Stop()
	a.Machine.SetStatus(protocol.StatusOff)
	a.worker.Stop()
	a.heartbeat.Stop(ctx)
	return a.bus.Disconnect(ctx)
}
