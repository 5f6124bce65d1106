// Package worker implements the production worker (C7): the central
// per-unit state machine that produces units, hands each one off to
// the downstream peer, waits for its ack, and escalates to the
// scheduler when a peer goes unresponsive.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/pressline/internal/bus"
	"github.com/oriys/pressline/internal/logging"
	"github.com/oriys/pressline/internal/machine"
	"github.com/oriys/pressline/internal/metrics"
	"github.com/oriys/pressline/internal/observability"
	"github.com/oriys/pressline/internal/protocol"
)

// Config bounds the per-tick production delay and the ack wait.
type Config struct {
	TickMin    time.Duration
	TickMax    time.Duration
	AckTimeout time.Duration
}

// Worker runs the production loop for one Machine.
type Worker struct {
	m   *machine.Machine
	b   bus.Bus
	cfg Config

	ackCh      chan protocol.Ack
	reassignCh chan string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Worker bound to m and b. Zero-valued TickMin/TickMax/
// AckTimeout fall back to sensible production-line defaults.
func New(m *machine.Machine, b bus.Bus, cfg Config) *Worker {
	if cfg.TickMin <= 0 {
		cfg.TickMin = 200 * time.Millisecond
	}
	if cfg.TickMax < cfg.TickMin {
		cfg.TickMax = cfg.TickMin
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 1 * time.Second
	}
	return &Worker{
		m:          m,
		b:          b,
		cfg:        cfg,
		ackCh:      make(chan protocol.Ack, 8),
		reassignCh: make(chan string, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the production loop goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Stop signals the loop to exit and waits for it, unblocking an
// unbounded reassign wait if one is in progress.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// HandleAck feeds an inbound ack frame addressed to this machine into
// the worker's ack-wait loop. Acks not addressed here are ignored; the
// rest are queued for the ack-wait loop, which discards any that do
// not match the pending handoff. When the queue is full the ack is
// dropped rather than blocking the bus dispatch goroutine.
func (w *Worker) HandleAck(payload []byte) {
	ack, err := protocol.DecodeAck(payload)
	if err != nil {
		logging.Op().Warn("worker: malformed ack frame", "error", err)
		return
	}
	if !protocol.ForSelf(ack.DeviceID, w.m.DeviceID) {
		return
	}
	select {
	case w.ackCh <- ack:
	default:
		logging.Op().Warn("worker: ack channel full, dropping", "device_id", w.m.DeviceID, "from", ack.From)
	}
}

// HandleReassign feeds an inbound reassign frame into the parked
// reassign wait.
func (w *Worker) HandleReassign(payload []byte) {
	r, err := protocol.DecodeReassign(payload)
	if err != nil {
		logging.Op().Warn("worker: malformed reassign frame", "error", err)
		return
	}
	if !protocol.ForSelf(r.DeviceID, w.m.DeviceID) {
		return
	}
	select {
	case w.reassignCh <- r.NextMachine:
	default:
		logging.Op().Warn("worker: reassign channel full, dropping", "device_id", w.m.DeviceID)
	}
}

const yieldInterval = 50 * time.Millisecond

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		switch w.m.Status() {
		case protocol.StatusOff:
			return
		case protocol.StatusRunning:
			if !w.tick(ctx) {
				return
			}
		default:
			// idle, await_ack (entered via tick), stalled, finish: yield.
			select {
			case <-w.stopCh:
				return
			case <-time.After(yieldInterval):
			}
		}
	}
}

// tick runs one production cycle. Returns false if the worker should
// exit entirely (stop signal observed).
func (w *Worker) tick(ctx context.Context) bool {
	a := w.m.Assignment()
	if a.UnitsPending <= 0 {
		if a.Done() {
			w.m.SetStatus(protocol.StatusFinish)
		}
		select {
		case <-w.stopCh:
			return false
		case <-time.After(yieldInterval):
		}
		return true
	}

	delay := randomDuration(w.cfg.TickMin, w.cfg.TickMax)
	select {
	case <-w.stopCh:
		return false
	case <-time.After(delay):
	}

	// Pause semantics: a command may have flipped status to idle/off
	// during the sleep. Yield without losing the counters already
	// accumulated for this assignment.
	if w.m.Status() != protocol.StatusRunning {
		return true
	}

	a = w.m.IncrementProduced()
	metrics.IncUnitsProduced(w.m.DeviceID)
	handoffID := uuid.New().String()

	spanCtx, span := observability.StartSpan(ctx, "unit.handoff",
		observability.AttrDeviceID.String(w.m.DeviceID),
		observability.AttrOrderID.String(a.OrderID),
		observability.AttrHandoffID.String(handoffID),
		observability.AttrNextMachine.String(a.NextMachine),
	)

	if err := w.publishProgress(spanCtx, a, handoffID, a.NextMachine); err != nil {
		logging.Op().Warn("worker: publish progress failed", "device_id", w.m.DeviceID, "error", err)
		observability.SetSpanError(span, err)
		span.End()
		return true
	}
	metrics.IncHandoffEmitted(w.m.DeviceID, a.NextMachine)

	if a.Terminal() {
		observability.SetSpanOK(span)
		span.End()
		if a.Done() {
			w.m.SetStatus(protocol.StatusFinish)
		}
		return true
	}

	w.m.SetPending(&machine.PendingHandoff{
		OrderID:        a.OrderID,
		HandoffID:      handoffID,
		TargetDeviceID: a.NextMachine,
		EmittedAt:      time.Now(),
		AckDeadline:    time.Now().Add(w.cfg.AckTimeout),
	})
	w.m.SetStatus(protocol.StatusAwaitAck)

	ok := w.awaitAck(spanCtx, a, handoffID)
	if ok {
		observability.SetSpanOK(span)
	}
	span.End()
	return ok
}

// awaitAck waits for the peer ack matching handoffID, escalating to
// an alert and parking for a reassign on timeout, then re-publishing
// the same unit to the replacement peer. Returns false only if the
// global stop signal fired.
func (w *Worker) awaitAck(ctx context.Context, a machine.Assignment, handoffID string) bool {
	for {
		pending := w.m.Pending()
		if pending == nil {
			// Defensive: pending cleared out from under us (shouldn't
			// happen with a single worker goroutine), treat as acked.
			return true
		}
		target := pending.TargetDeviceID

		timeout := time.NewTimer(w.cfg.AckTimeout)
		acked := false
	waitLoop:
		for {
			select {
			case <-w.stopCh:
				timeout.Stop()
				return false
			case ack := <-w.ackCh:
				if ack.From == target && ack.HandoffID == handoffID {
					acked = true
					timeout.Stop()
					break waitLoop
				}
				// Unrelated ack (e.g. from a previous handoff); ignore.
				logging.Op().Debug("worker: ignoring unmatched ack", "device_id", w.m.DeviceID, "from", ack.From, "handoff_id", ack.HandoffID)
			case <-timeout.C:
				break waitLoop
			}
		}

		if acked {
			w.m.SetPending(nil)
			metrics.IncAckReceived(w.m.DeviceID, string(protocol.AckAccepted))
			if w.m.Status() == protocol.StatusAwaitAck {
				w.m.SetStatus(protocol.StatusRunning)
			}
			return true
		}

		metrics.IncAckTimeout(w.m.DeviceID)
		if !w.alertAndAwaitReassign(ctx, a, target, handoffID) {
			return false
		}

		// Reassign arrived and was applied; SetPending/status already
		// updated inside alertAndAwaitReassign. Loop to wait again.
	}
}

// alertAndAwaitReassign publishes an alert for the failed peer, clears
// next_machine, marks the machine stalled, and blocks indefinitely
// (unless stopped) for a reassign. On receipt it re-publishes the same
// progress payload to the new peer and re-enters await_ack.
func (w *Worker) alertAndAwaitReassign(ctx context.Context, a machine.Assignment, failedPeer, handoffID string) bool {
	alert := protocol.Alert{
		From:        w.m.DeviceID,
		NextMachine: failedPeer,
		HandoffID:   handoffID,
	}
	data, err := protocol.Encode(alert)
	if err != nil {
		logging.Op().Error("worker: encode alert failed", "error", err)
	} else if err := w.b.Publish(ctx, protocol.TopicAlert, data, bus.QoS1); err != nil {
		logging.Op().Warn("worker: publish alert failed", "error", err)
	}
	metrics.IncAlertRaised(w.m.DeviceID)

	w.m.SetNextMachine(protocol.NullSink)
	w.m.SetStatus(protocol.StatusStalled)
	logging.Op().Warn("worker: peer unresponsive, alerted and parked", "device_id", w.m.DeviceID, "failed_peer", failedPeer)

	var nextMachine string
	select {
	case <-w.stopCh:
		return false
	case nextMachine = <-w.reassignCh:
	}

	metrics.IncReassignApplied(w.m.DeviceID)
	w.m.SetNextMachine(nextMachine)
	w.m.SetStatus(protocol.StatusAwaitAck)

	current := w.m.Assignment()
	if err := w.publishProgress(ctx, current, handoffID, nextMachine); err != nil {
		logging.Op().Warn("worker: re-publish after reassign failed", "device_id", w.m.DeviceID, "error", err)
	}
	w.m.SetPending(&machine.PendingHandoff{
		OrderID:        current.OrderID,
		HandoffID:      handoffID,
		TargetDeviceID: nextMachine,
		EmittedAt:      time.Now(),
		AckDeadline:    time.Now().Add(w.cfg.AckTimeout),
	})
	logging.Op().Info("worker: reassigned, re-emitted handoff", "device_id", w.m.DeviceID, "next_machine", nextMachine)
	return true
}

func (w *Worker) publishProgress(ctx context.Context, a machine.Assignment, handoffID, target string) error {
	p := protocol.Progress{
		DeviceID:        target,
		From:            w.m.DeviceID,
		OrderID:         a.OrderID,
		HandoffID:       handoffID,
		UnitsPending:    a.UnitsPending,
		CurrentProduced: a.UnitsProduced,
		UnitAmount:      a.UnitAmount,
	}
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return w.b.Publish(ctx, protocol.TopicProgress, data, bus.QoS1)
}

func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
