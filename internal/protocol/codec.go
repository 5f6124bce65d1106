package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a frame cannot be decoded or is missing a
// field required by its topic's contract. Callers must log and drop on
// this error, never change state and never ACK.
var ErrMalformed = errors.New("protocol: malformed frame")

// Encode marshals v to its wire representation.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals data into v, wrapping any failure in ErrMalformed so
// callers can match on it with errors.Is.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeHeartbeat validates and decodes a heartbeat frame.
func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	var hb Heartbeat
	if err := Decode(data, &hb); err != nil {
		return Heartbeat{}, err
	}
	if hb.DeviceID == "" || hb.MachineType == "" || hb.Status == "" {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat missing required field", ErrMalformed)
	}
	return hb, nil
}

// DecodeCommand validates and decodes a command frame.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := Decode(data, &cmd); err != nil {
		return Command{}, err
	}
	if cmd.DeviceID == "" || cmd.Value == "" {
		return Command{}, fmt.Errorf("%w: command missing required field", ErrMalformed)
	}
	return cmd, nil
}

// DecodeWork validates and decodes a work frame.
func DecodeWork(data []byte) (Work, error) {
	var w Work
	if err := Decode(data, &w); err != nil {
		return Work{}, err
	}
	if w.DeviceID == "" || w.From == "" || w.OrderID == "" || w.UnitAmount <= 0 {
		return Work{}, fmt.Errorf("%w: work missing required field", ErrMalformed)
	}
	return w, nil
}

// DecodeAck validates and decodes an ack frame.
func DecodeAck(data []byte) (Ack, error) {
	var a Ack
	if err := Decode(data, &a); err != nil {
		return Ack{}, err
	}
	if a.DeviceID == "" || a.From == "" || a.Event == "" {
		return Ack{}, fmt.Errorf("%w: ack missing required field", ErrMalformed)
	}
	return a, nil
}

// DecodeProgress validates and decodes a progress frame.
func DecodeProgress(data []byte) (Progress, error) {
	var p Progress
	if err := Decode(data, &p); err != nil {
		return Progress{}, err
	}
	if p.From == "" || p.OrderID == "" {
		return Progress{}, fmt.Errorf("%w: progress missing required field", ErrMalformed)
	}
	return p, nil
}

// DecodeAlert validates and decodes an alert frame.
func DecodeAlert(data []byte) (Alert, error) {
	var a Alert
	if err := Decode(data, &a); err != nil {
		return Alert{}, err
	}
	if a.From == "" {
		return Alert{}, fmt.Errorf("%w: alert missing required field", ErrMalformed)
	}
	return a, nil
}

// DecodeReassign validates and decodes a reassign frame.
func DecodeReassign(data []byte) (Reassign, error) {
	var r Reassign
	if err := Decode(data, &r); err != nil {
		return Reassign{}, err
	}
	if r.DeviceID == "" {
		return Reassign{}, fmt.Errorf("%w: reassign missing required field", ErrMalformed)
	}
	return r, nil
}

// ForSelf reports whether a directed message addressed to deviceID should
// be handled by a recipient identifying as selfID. Broadcast topics
// (progress to the literal null sink) are always accepted.
func ForSelf(deviceID, selfID string) bool {
	if deviceID == NullSink {
		return true
	}
	return deviceID == selfID
}
