package protocol

import "time"

// MachineType is the pipeline stage a machine performs.
type MachineType string

const (
	MachineA MachineType = "A"
	MachineB MachineType = "B"
	MachineC MachineType = "C"
	MachineD MachineType = "D"
)

// Heartbeat is published by every agent on a fixed period, ephemeral and
// never persisted by the agent itself.
type Heartbeat struct {
	DeviceID    string      `json:"device_id"`
	MachineType MachineType `json:"machine_type"`
	Status      Status      `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Command carries a remote lifecycle transition directed at one device.
type Command struct {
	DeviceID string       `json:"device_id"`
	Value    CommandValue `json:"value"`
}

// Work assigns an order to a machine. It is idempotent: replaying the
// same work message for an already-accepted order_id produces the same
// ack.
type Work struct {
	DeviceID      string `json:"device_id"`
	From          string `json:"from"`
	OrderID       string `json:"order_id"`
	UnitAmount    int    `json:"unit_amount"`
	TotalPages    int    `json:"total_pages"`
	NextMachine   string `json:"next_machine"`
	UnitsPending  int    `json:"units_pending"`
	UnitsProduced int    `json:"units_produced"`
}

// Ack acknowledges a work or progress message; reassign messages are not
// acknowledged. HandoffID echoes
// the handoff that is being acknowledged; it is empty for work acks (work
// acceptance has no handoff yet).
type Ack struct {
	DeviceID  string    `json:"device_id"`
	From      string    `json:"from"`
	Event     AckEvent  `json:"event"`
	HandoffID string    `json:"handoff_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress is simultaneously a downstream work notification and a
// handoff request for a single unit: one progress message hands off
// exactly one unit and increments the downstream peer's units_pending
// by one.
type Progress struct {
	DeviceID        string `json:"device_id"`
	From            string `json:"from"`
	OrderID         string `json:"order_id"`
	HandoffID       string `json:"handoff_id"`
	UnitsPending    int    `json:"units_pending"`
	CurrentProduced int    `json:"current_produced"`
	UnitAmount      int    `json:"unit_amount"`
}

// Alert notifies the scheduler that the expected downstream peer has not
// acknowledged a handoff within the deadline.
type Alert struct {
	From        string `json:"from"`
	NextMachine string `json:"next_machine"`
	HandoffID   string `json:"handoff_id"`
}

// Reassign replaces a failed next_machine with a live peer.
type Reassign struct {
	DeviceID    string `json:"device_id"`
	NextMachine string `json:"next_machine"`
}
