// Package command applies remote lifecycle transitions delivered on
// the command topic: running, idle, off.
package command

import (
	"github.com/oriys/pressline/internal/logging"
	"github.com/oriys/pressline/internal/machine"
	"github.com/oriys/pressline/internal/metrics"
	"github.com/oriys/pressline/internal/protocol"
)

// Handler applies validated command values to a Machine.
type Handler struct {
	m *machine.Machine
}

// New creates a Handler bound to m.
func New(m *machine.Machine) *Handler {
	return &Handler{m: m}
}

// Handle decodes and applies a command frame addressed to this
// machine. Misaddressed frames are ignored silently; unknown values
// are logged and ignored. Neither changes state.
func (h *Handler) Handle(payload []byte) {
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		logging.Op().Warn("command: malformed frame", "error", err)
		return
	}
	if !protocol.ForSelf(cmd.DeviceID, h.m.DeviceID) {
		return
	}

	switch cmd.Value {
	case protocol.CommandRunning:
		current := h.m.Status()
		if current == protocol.StatusIdle || current == protocol.StatusOff {
			h.m.SetStatus(protocol.StatusRunning)
		}
	case protocol.CommandIdle:
		if current := h.m.Status(); current != protocol.StatusOff && current != protocol.StatusFinish {
			h.m.SetStatus(protocol.StatusIdle)
		}
	case protocol.CommandOff:
		h.m.SetStatus(protocol.StatusOff)
	default:
		logging.Op().Warn("command: unknown value", "device_id", h.m.DeviceID, "value", cmd.Value)
		return
	}
	metrics.SetStatus(h.m.DeviceID, string(h.m.Status()))
	logging.Op().Info("command applied", "device_id", h.m.DeviceID, "value", cmd.Value)
}
