// Package protocol defines the wire payloads and topic names exchanged
// between machine agents and the scheduler over the pub/sub bus, and the
// JSON codec used to (de)serialize them.
//
// Every directed payload carries device_id (the intended recipient);
// work, ack and progress also carry from (the originator). A recipient
// ignores any message whose device_id does not match its own identity,
// except on broadcast topics. This rule is enforced centrally by ForSelf
// rather than scattered across callers.
package protocol

// Topic names. All payloads are JSON-encoded text frames.
const (
	TopicHeartbeat = "heartbeat"
	TopicCommand   = "command"
	TopicWork      = "work"
	TopicAck       = "ack"
	TopicProgress  = "progress"
	TopicAlert     = "alert"
	TopicReassign  = "reassign"
)

// NullSink is the literal sentinel used in next_machine to mean "terminal
// stage, no downstream handoff required".
const NullSink = ""

// Status is the machine's lifecycle state, as reported on heartbeats.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusAwaitAck Status = "await_ack"
	// StatusStalled is a heartbeat-only status: the machine has alerted on
	// a failed downstream peer and is parked waiting for a reassign. It is
	// never accepted as a command value; it is observational only.
	StatusStalled Status = "stalled"
	StatusFinish  Status = "finish"
	StatusOff     Status = "off"
)

// CommandValue is the set of values accepted on the command topic.
type CommandValue string

const (
	CommandRunning CommandValue = "running"
	CommandIdle    CommandValue = "idle"
	CommandOff     CommandValue = "off"
)

// AckEvent distinguishes a positive handoff/work acceptance from a
// negative one. See the work-intake busy policy in DESIGN.md.
type AckEvent string

const (
	AckAccepted AckEvent = "accepted"
	AckRejected AckEvent = "rejected"
)
