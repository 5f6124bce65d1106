// Package intake handles the work topic: validating an incoming
// assignment, applying the busy policy, acknowledging the originator,
// and setting the machine's order assignment.
package intake

import (
	"context"
	"time"

	"github.com/oriys/pressline/internal/bus"
	"github.com/oriys/pressline/internal/logging"
	"github.com/oriys/pressline/internal/machine"
	"github.com/oriys/pressline/internal/protocol"
)

// Intake binds a Machine and Bus to process work messages.
type Intake struct {
	m *machine.Machine
	b bus.Bus
}

// New creates an Intake bound to m and b.
func New(m *machine.Machine, b bus.Bus) *Intake {
	return &Intake{m: m, b: b}
}

// Handle decodes a work frame, applies the busy policy, updates the
// assignment, and acknowledges the originator.
//
// Busy policy: when the machine is not idle (running, awaiting an
// ack, stalled, finished or off) and the work message is for a
// different order_id, it is rejected with a negative ack rather than
// overwriting the current assignment. This keeps the
// monotonic-counters invariant safe against a scheduler racing a
// second assignment onto an already-busy machine. An idle machine
// accepts a new order_id, replacing any assignment it held (including
// one paused mid-run), and starts running. A replayed work message for
// the *same* order_id as the current assignment is idempotent in every
// status: it is re-acknowledged as accepted without re-running
// AcceptAssignment, so redelivery never resets counters already
// accumulated.
func (i *Intake) Handle(ctx context.Context, payload []byte) {
	w, err := protocol.DecodeWork(payload)
	if err != nil {
		logging.Op().Warn("intake: malformed frame", "error", err)
		return
	}
	if !protocol.ForSelf(w.DeviceID, i.m.DeviceID) {
		return
	}

	status := i.m.Status()
	busy := status != protocol.StatusIdle
	replay := i.m.Assignment().OrderID == w.OrderID

	event := protocol.AckAccepted
	if busy && !replay {
		event = protocol.AckRejected
	}

	if !busy && !replay {
		i.m.AcceptAssignment(machine.Assignment{
			OrderID:       w.OrderID,
			UnitAmount:    w.UnitAmount,
			TotalPages:    w.TotalPages,
			NextMachine:   w.NextMachine,
			UnitsPending:  w.UnitsPending,
			UnitsProduced: w.UnitsProduced,
		})
		if status == protocol.StatusIdle {
			i.m.SetStatus(protocol.StatusRunning)
		}
	}

	ack := protocol.Ack{
		DeviceID:  w.From,
		From:      i.m.DeviceID,
		Event:     event,
		Timestamp: time.Now(),
	}
	data, err := protocol.Encode(ack)
	if err != nil {
		logging.Op().Error("intake: encode ack failed", "error", err)
		return
	}
	if err := i.b.Publish(ctx, protocol.TopicAck, data, bus.QoS1); err != nil {
		logging.Op().Warn("intake: publish ack failed", "error", err)
	}
	logging.Op().Info("work intake", "device_id", i.m.DeviceID, "order_id", w.OrderID, "event", event)
}

// HandleProgress decodes an inbound progress frame directed at this
// machine, increments its pending-unit count by one, and acks the
// sender on the ack topic. A progress message is simultaneously a
// downstream work notification and a single-unit handoff request;
// this is the peer-side half of that handoff.
func (i *Intake) HandleProgress(ctx context.Context, payload []byte) {
	p, err := protocol.DecodeProgress(payload)
	if err != nil {
		logging.Op().Warn("intake: malformed progress frame", "error", err)
		return
	}
	// A null-sink device_id marks a terminal-stage progress message as
	// purely informational (spec scenario S5): there is no downstream
	// peer to hand the unit to, so no one should intake it.
	if p.DeviceID == protocol.NullSink || p.DeviceID != i.m.DeviceID {
		return
	}

	i.m.IncrementPending()

	ack := protocol.Ack{
		DeviceID:  p.From,
		From:      i.m.DeviceID,
		Event:     protocol.AckAccepted,
		HandoffID: p.HandoffID,
		Timestamp: time.Now(),
	}
	data, err := protocol.Encode(ack)
	if err != nil {
		logging.Op().Error("intake: encode progress ack failed", "error", err)
		return
	}
	if err := i.b.Publish(ctx, protocol.TopicAck, data, bus.QoS1); err != nil {
		logging.Op().Warn("intake: publish progress ack failed", "error", err)
	}
	logging.Op().Info("progress intake", "device_id", i.m.DeviceID, "from", p.From, "handoff_id", p.HandoffID)
}
