// Package heartbeat runs the fixed-period liveness publisher every
// agent runs alongside its production worker: a ticker goroutine
// guarded by a stopCh/sync.WaitGroup pair so Stop drains cleanly.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/pressline/internal/bus"
	"github.com/oriys/pressline/internal/logging"
	"github.com/oriys/pressline/internal/machine"
	"github.com/oriys/pressline/internal/metrics"
	"github.com/oriys/pressline/internal/protocol"
)

// Emitter periodically publishes the machine's current status snapshot
// on the heartbeat topic.
type Emitter struct {
	m      *machine.Machine
	b      bus.Bus
	period time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an Emitter. period must be positive; the supervisor is
// expected to fall back to a default before calling New.
func New(m *machine.Machine, b bus.Bus, period time.Duration) *Emitter {
	return &Emitter{m: m, b: b, period: period, stopCh: make(chan struct{})}
}

// Start launches the ticker goroutine. Safe to call once.
func (e *Emitter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.loop()
	logging.Op().Info("heartbeat emitter started", "device_id", e.m.DeviceID, "period", e.period)
}

// Stop halts the ticker, publishes one final heartbeat with
// status=off, and waits for the loop goroutine to exit.
func (e *Emitter) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.publish(ctx, protocol.StatusOff)
	logging.Op().Info("heartbeat emitter stopped", "device_id", e.m.DeviceID)
}

func (e *Emitter) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.publish(ctx, e.m.Status())
		}
	}
}

func (e *Emitter) publish(ctx context.Context, status protocol.Status) {
	hb := protocol.Heartbeat{
		DeviceID:    e.m.DeviceID,
		MachineType: e.m.MachineType,
		Status:      status,
		Timestamp:   time.Now(),
	}
	data, err := protocol.Encode(hb)
	if err != nil {
		logging.Op().Error("heartbeat: encode failed", "device_id", e.m.DeviceID, "error", err)
		return
	}
	if err := e.b.Publish(ctx, protocol.TopicHeartbeat, data, bus.QoS1); err != nil {
		logging.Op().Warn("heartbeat: publish failed", "device_id", e.m.DeviceID, "error", err)
		return
	}
	metrics.IncHeartbeat()
}
