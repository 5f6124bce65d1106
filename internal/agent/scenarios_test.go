package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/pressline/internal/bus"
	"github.com/oriys/pressline/internal/chaos"
	"github.com/oriys/pressline/internal/protocol"
	"github.com/oriys/pressline/internal/worker"
)

// fastWorkerConfig keeps production ticks and ack waits short so the
// scenarios below run in milliseconds instead of seconds.
func fastWorkerConfig() worker.Config {
	return worker.Config{
		TickMin:    1 * time.Millisecond,
		TickMax:    3 * time.Millisecond,
		AckTimeout: 150 * time.Millisecond,
	}
}

type testAgent struct {
	ag  *Agent
	bus *bus.MemoryBus
}

func startAgent(t *testing.T, broker *bus.MemoryBroker, deviceID string, mtype protocol.MachineType, wcfg worker.Config) *testAgent {
	t.Helper()
	client := broker.NewClient()
	cfg := Config{
		DeviceID:        deviceID,
		MachineType:     mtype,
		HeartbeatPeriod: 50 * time.Millisecond,
		Worker:          wcfg,
		Chaos:           chaos.Config{Enabled: false},
	}
	ag := New(cfg, client)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ag.Run(ctx) }()
	t.Cleanup(cancel)
	return &testAgent{ag: ag, bus: client}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func publish(t *testing.T, b bus.Bus, topic string, v any) {
	t.Helper()
	data, err := protocol.Encode(v)
	if err != nil {
		t.Fatalf("encode %s: %v", topic, err)
	}
	if err := b.Publish(context.Background(), topic, data, bus.QoS1); err != nil {
		t.Fatalf("publish %s: %v", topic, err)
	}
}

// ackCollector is a minimal scheduler stand-in: it subscribes to the
// ack and alert topics and records what it observes, without ever
// implementing a placement policy of its own.
type ackCollector struct {
	mu     sync.Mutex
	acks   []protocol.Ack
	alerts []protocol.Alert
}

func newAckCollector(t *testing.T, b bus.Bus) *ackCollector {
	t.Helper()
	c := &ackCollector{}
	if err := b.Subscribe(context.Background(), protocol.TopicAck, bus.QoS1, func(_ string, payload []byte) {
		ack, err := protocol.DecodeAck(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.acks = append(c.acks, ack)
		c.mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe ack: %v", err)
	}
	if err := b.Subscribe(context.Background(), protocol.TopicAlert, bus.QoS1, func(_ string, payload []byte) {
		alert, err := protocol.DecodeAlert(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.alerts = append(c.alerts, alert)
		c.mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe alert: %v", err)
	}
	return c
}

func (c *ackCollector) acksFor(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.acks {
		if a.DeviceID == deviceID && a.Event == protocol.AckAccepted {
			n++
		}
	}
	return n
}

func (c *ackCollector) alertCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

// S1 — happy path single handoff.
func TestHappyPathSingleHandoff(t *testing.T) {
	broker := bus.NewMemoryBroker()
	m1 := startAgent(t, broker, "A-aaa", protocol.MachineA, fastWorkerConfig())
	m2 := startAgent(t, broker, "B-bbb", protocol.MachineB, fastWorkerConfig())

	sched := broker.NewClient()
	if err := sched.Connect(context.Background()); err != nil {
		t.Fatalf("scheduler connect: %v", err)
	}
	collector := newAckCollector(t, sched)

	publish(t, sched, protocol.TopicWork, protocol.Work{
		DeviceID:     "A-aaa",
		From:         "scheduler",
		OrderID:      "1",
		UnitAmount:   3,
		TotalPages:   3,
		NextMachine:  "B-bbb",
		UnitsPending: 3,
	})

	waitFor(t, 2*time.Second, func() bool {
		return m1.ag.Machine.Status() == protocol.StatusFinish
	})

	if got := m2.ag.Machine.Assignment().UnitsPending; got != 3 {
		t.Fatalf("downstream units_pending = %d, want 3", got)
	}
	if got := m1.ag.Machine.Assignment().UnitsProduced; got != 3 {
		t.Fatalf("upstream units_produced = %d, want 3", got)
	}
	if got := collector.acksFor("scheduler"); got != 1 {
		t.Fatalf("scheduler acks = %d, want 1", got)
	}
}

// S2 — peer failure and reroute.
func TestPeerFailureAndReroute(t *testing.T) {
	slowTicks := worker.Config{
		TickMin:    40 * time.Millisecond,
		TickMax:    60 * time.Millisecond,
		AckTimeout: 150 * time.Millisecond,
	}
	broker := bus.NewMemoryBroker()
	m1 := startAgent(t, broker, "A-aaa", protocol.MachineA, slowTicks)
	m2 := startAgent(t, broker, "B-bbb", protocol.MachineB, slowTicks)
	m3 := startAgent(t, broker, "B-ccc", protocol.MachineB, slowTicks)

	sched := broker.NewClient()
	if err := sched.Connect(context.Background()); err != nil {
		t.Fatalf("scheduler connect: %v", err)
	}
	collector := newAckCollector(t, sched)
	// The reassigning stand-in runs on its own client: a second alert
	// subscription on sched would replace the collector's handler.
	reassigner := broker.NewClient()
	if err := reassigner.Subscribe(context.Background(), protocol.TopicAlert, bus.QoS1, func(_ string, payload []byte) {
		alert, err := protocol.DecodeAlert(payload)
		if err != nil {
			return
		}
		data, err := protocol.Encode(protocol.Reassign{
			DeviceID:    alert.From,
			NextMachine: "B-ccc",
		})
		if err != nil {
			return
		}
		_ = reassigner.Publish(context.Background(), protocol.TopicReassign, data, bus.QoS1)
	}); err != nil {
		t.Fatalf("subscribe alert: %v", err)
	}

	publish(t, sched, protocol.TopicWork, protocol.Work{
		DeviceID:     "A-aaa",
		From:         "scheduler",
		OrderID:      "1",
		UnitAmount:   3,
		TotalPages:   3,
		NextMachine:  "B-bbb",
		UnitsPending: 3,
	})

	// Wait for the first unit to land on M2, then kill it by severing
	// its bus connection, the way a crashed process drops off the bus.
	waitFor(t, time.Second, func() bool {
		return m2.ag.Machine.Assignment().UnitsPending >= 1
	})
	if err := m2.bus.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect m2: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return m1.ag.Machine.Status() == protocol.StatusFinish
	})

	if collector.alertCount() == 0 {
		t.Fatal("expected at least one alert after peer failure")
	}
	if got := m2.ag.Machine.Assignment().UnitsPending; got != 1 {
		t.Fatalf("m2 units_pending = %d, want 1 (only the first unit)", got)
	}
	if got := m3.ag.Machine.Assignment().UnitsPending; got != 2 {
		t.Fatalf("m3 units_pending = %d, want 2 (the rerouted units)", got)
	}
}

// S3 — graceful pause.
func TestGracefulPause(t *testing.T) {
	broker := bus.NewMemoryBroker()
	m1 := startAgent(t, broker, "A-aaa", protocol.MachineA, worker.Config{
		TickMin:    20 * time.Millisecond,
		TickMax:    30 * time.Millisecond,
		AckTimeout: 150 * time.Millisecond,
	})

	sched := broker.NewClient()
	if err := sched.Connect(context.Background()); err != nil {
		t.Fatalf("scheduler connect: %v", err)
	}

	publish(t, sched, protocol.TopicWork, protocol.Work{
		DeviceID:     "A-aaa",
		From:         "scheduler",
		OrderID:      "1",
		UnitAmount:   10,
		TotalPages:   10,
		NextMachine:  protocol.NullSink,
		UnitsPending: 10,
	})

	waitFor(t, time.Second, func() bool {
		return m1.ag.Machine.Assignment().UnitsProduced >= 1
	})

	publish(t, sched, protocol.TopicCommand, protocol.Command{DeviceID: "A-aaa", Value: protocol.CommandIdle})

	waitFor(t, time.Second, func() bool {
		return m1.ag.Machine.Status() == protocol.StatusIdle
	})
	pausedAt := m1.ag.Machine.Assignment().UnitsProduced

	time.Sleep(150 * time.Millisecond)
	if got := m1.ag.Machine.Assignment().UnitsProduced; got != pausedAt {
		t.Fatalf("units_produced advanced while idle: %d -> %d", pausedAt, got)
	}

	publish(t, sched, protocol.TopicCommand, protocol.Command{DeviceID: "A-aaa", Value: protocol.CommandRunning})

	waitFor(t, 2*time.Second, func() bool {
		return m1.ag.Machine.Status() == protocol.StatusFinish
	})
}

// S5 — null sink terminal stage.
func TestNullSinkTerminalStage(t *testing.T) {
	broker := bus.NewMemoryBroker()
	m1 := startAgent(t, broker, "A-aaa", protocol.MachineA, fastWorkerConfig())

	sched := broker.NewClient()
	if err := sched.Connect(context.Background()); err != nil {
		t.Fatalf("scheduler connect: %v", err)
	}

	publish(t, sched, protocol.TopicWork, protocol.Work{
		DeviceID:     "A-aaa",
		From:         "scheduler",
		OrderID:      "1",
		UnitAmount:   5,
		TotalPages:   5,
		NextMachine:  protocol.NullSink,
		UnitsPending: 5,
	})

	waitFor(t, time.Second, func() bool {
		return m1.ag.Machine.Status() == protocol.StatusFinish
	})

	if got := m1.ag.Machine.Assignment().UnitsProduced; got != 5 {
		t.Fatalf("units_produced = %d, want 5", got)
	}
	if m1.ag.Machine.Pending() != nil {
		t.Fatal("terminal stage should never hold a pending handoff")
	}
}

// S6 — misaddressed command.
func TestMisaddressedCommandIgnored(t *testing.T) {
	broker := bus.NewMemoryBroker()
	m1 := startAgent(t, broker, "A-aaa", protocol.MachineA, fastWorkerConfig())

	sched := broker.NewClient()
	if err := sched.Connect(context.Background()); err != nil {
		t.Fatalf("scheduler connect: %v", err)
	}

	publish(t, sched, protocol.TopicCommand, protocol.Command{DeviceID: "X-zzz", Value: protocol.CommandOff})

	time.Sleep(50 * time.Millisecond)
	if got := m1.ag.Machine.Status(); got != protocol.StatusIdle {
		t.Fatalf("misaddressed command changed status to %s", got)
	}
}
