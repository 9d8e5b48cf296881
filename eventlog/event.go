// Package eventlog implements the background consumer of structured
// LogEvents: it drains a ring buffer fed by every other component, writes
// the CSV-like run trail, and enforces a storage quota by rotating the
// oldest completed runs.
package eventlog

import (
	"fmt"
	"time"

	"vitalink.io/device"
	"vitalink.io/fault"
	"vitalink.io/params"
)

// Kind discriminates LogEvent variants.
type Kind int

const (
	StepEntered Kind = iota
	CommandSent
	ResponseReceived
	ParameterChanged
	FaultEvent
	HeartbeatMissed
	RunStart
	RunEnd
	DroppedEvents
)

func (k Kind) String() string {
	switch k {
	case StepEntered:
		return "StepEntered"
	case CommandSent:
		return "CommandSent"
	case ResponseReceived:
		return "ResponseReceived"
	case ParameterChanged:
		return "ParameterChanged"
	case FaultEvent:
		return "Fault"
	case HeartbeatMissed:
		return "HeartbeatMissed"
	case RunStart:
		return "RunStart"
	case RunEnd:
		return "RunEnd"
	case DroppedEvents:
		return "DroppedEvents"
	default:
		return "Unknown"
	}
}

// maxMessageLen bounds LogEvent message payloads; longer messages are
// truncated with a marker so the hot path never allocates beyond a fixed
// inline buffer.
const maxMessageLen = 128

// SystemState mirrors coordinator.State without importing it, to keep
// eventlog free of a dependency on the coordinator.
type SystemState int

const (
	Boot SystemState = iota
	Init
	Idle
	Running
	Finished
	Aborting
	ErrorState
)

func (s SystemState) String() string {
	switch s {
	case Boot:
		return "Boot"
	case Init:
		return "Init"
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	case Aborting:
		return "Aborting"
	case ErrorState:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is a tagged LogEvent record. Every event carries a monotonic
// timestamp and the SystemState current at emission.
type Event struct {
	Kind      Kind
	Mono      time.Duration // elapsed since process start
	Wall      time.Time
	RunID     string
	State     SystemState
	Device    device.Device
	HasDevice bool
	Token     uint32
	HasToken  bool
	Status    device.Status
	HasStatus bool
	LatencyUs int64
	Message   string

	// ParameterChanged-specific.
	Key      params.Parameter
	Old, New float64

	// RunEnd-specific / FaultEvent-specific.
	Outcome string
	FaultK  fault.Kind
}

func truncate(msg string) string {
	if len(msg) <= maxMessageLen {
		return msg
	}
	return msg[:maxMessageLen-len(truncMarker)] + truncMarker
}

const truncMarker = "…[truncated]"

func escape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			out = append(out, '\\', '\\')
		case ',':
			out = append(out, '\\', ',')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

// csvLine renders e as one line of the run trail:
// <monotonic_ns>,<wall_utc_iso>,<run_id>,<state>,<kind>,<device_or_empty>,<token_or_empty>,<status_or_empty>,<message>
func (e Event) csvLine() string {
	dev := ""
	if e.HasDevice {
		dev = e.Device.String()
	}
	tok := ""
	if e.HasToken {
		tok = fmt.Sprintf("%d", e.Token)
	}
	status := ""
	if e.HasStatus {
		status = e.Status.String()
	}
	msg := escape(truncate(e.buildMessage()))
	return fmt.Sprintf("%d,%s,%s,%s,%s,%s,%s,%s,%s\n",
		e.Mono.Nanoseconds(),
		e.Wall.UTC().Format(time.RFC3339Nano),
		e.RunID,
		e.State,
		e.Kind,
		dev,
		tok,
		status,
		msg,
	)
}

func (e Event) buildMessage() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case ParameterChanged:
		return fmt.Sprintf("%s: %g -> %g", e.Key, e.Old, e.New)
	case ResponseReceived:
		return fmt.Sprintf("latency_us=%d", e.LatencyUs)
	case RunEnd:
		return e.Outcome
	case FaultEvent:
		return e.FaultK.String()
	default:
		return ""
	}
}
