// Package machine holds the mutable state of one simulated production
// machine: its lifecycle status, current order assignment, and any
// pending handoff awaiting a downstream ack. It is the single owner
// of this state; every other component mutates it only through the
// narrow operations below, behind a single RWMutex.
package machine

import (
	"sync"
	"time"

	"github.com/oriys/pressline/internal/protocol"
)

// Assignment is the per-machine order record described in the data
// model: it tracks how many units remain to produce, how many have
// been produced, and where finished units are handed off to.
type Assignment struct {
	OrderID       string
	UnitAmount    int
	TotalPages    int
	NextMachine   string
	UnitsPending  int
	UnitsProduced int
}

// Done reports whether the assignment has produced everything it owes.
func (a Assignment) Done() bool {
	return a.UnitsProduced >= a.UnitAmount
}

// Terminal reports whether the assignment's next stage is the null sink.
func (a Assignment) Terminal() bool {
	return a.NextMachine == protocol.NullSink
}

// PendingHandoff is the transient record of a unit emitted downstream
// and not yet acknowledged. At most one exists per machine at a time;
// its presence is what StatusAwaitAck represents.
type PendingHandoff struct {
	OrderID        string
	HandoffID      string
	TargetDeviceID string
	EmittedAt      time.Time
	AckDeadline    time.Time
}

// Snapshot is an atomic, consistent read of status plus assignment,
// returned by Machine.Snapshot so callers never observe a status that
// doesn't match the assignment it was read alongside.
type Snapshot struct {
	Status     protocol.Status
	Assignment Assignment
	Pending    *PendingHandoff
}

// Machine is the thread-safe state holder for one agent process.
type Machine struct {
	DeviceID    string
	MachineType protocol.MachineType

	mu         sync.RWMutex
	status     protocol.Status
	assignment Assignment
	pending    *PendingHandoff
}

// New creates a Machine identified by deviceID/machineType, starting idle.
func New(deviceID string, machineType protocol.MachineType) *Machine {
	return &Machine{
		DeviceID:    deviceID,
		MachineType: machineType,
		status:      protocol.StatusIdle,
	}
}

// Snapshot returns a consistent copy of the current status and assignment.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{Status: m.status, Assignment: m.assignment}
	if m.pending != nil {
		p := *m.pending
		snap.Pending = &p
	}
	return snap
}

// Status returns the current status only.
func (m *Machine) Status() protocol.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus overwrites the status. Used by the command handler, the
// production worker, and the supervisor's shutdown path.
func (m *Machine) SetStatus(s protocol.Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// AcceptAssignment replaces the current assignment, counters included,
// with the values carried on the work message, and clears any pending
// handoff. It does not
// itself change status; callers decide whether to transition to
// running.
func (m *Machine) AcceptAssignment(a Assignment) {
	m.mu.Lock()
	m.assignment = a
	m.pending = nil
	m.mu.Unlock()
}

// IncrementProduced advances the assignment by one unit: produced up,
// pending down. Returns the post-increment assignment.
func (m *Machine) IncrementProduced() Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignment.UnitsProduced++
	if m.assignment.UnitsPending > 0 {
		m.assignment.UnitsPending--
	}
	return m.assignment
}

// IncrementPending records one unit handed off to this machine by an
// upstream peer's progress message, ahead of this machine's own
// production worker consuming it on a future tick.
func (m *Machine) IncrementPending() Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignment.UnitsPending++
	return m.assignment
}

// SetNextMachine overwrites the downstream target for the current
// assignment, used both to clear it to the null sink after an alert
// and to apply a reassign's replacement peer.
func (m *Machine) SetNextMachine(deviceID string) {
	m.mu.Lock()
	m.assignment.NextMachine = deviceID
	m.mu.Unlock()
}

// Assignment returns a copy of the current assignment.
func (m *Machine) Assignment() Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assignment
}

// SetPending records a new pending handoff, or clears it when p is nil.
func (m *Machine) SetPending(p *PendingHandoff) {
	m.mu.Lock()
	m.pending = p
	m.mu.Unlock()
}

// Pending returns the current pending handoff, or nil if none exists.
func (m *Machine) Pending() *PendingHandoff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pending == nil {
		return nil
	}
	p := *m.pending
	return &p
}

// Reset clears the assignment and pending handoff and returns status
// to idle. It is not triggered automatically by any protocol message;
// it exists for an operator to reuse a finished process instance.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.assignment = Assignment{}
	m.pending = nil
	m.status = protocol.StatusIdle
	m.mu.Unlock()
}
