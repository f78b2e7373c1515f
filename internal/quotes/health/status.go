package health

import "fmt"

// Status is the three-level liveness signal shown for every provider and sink.
type Status uint8

const (
	Online Status = iota
	Warning
	Offline
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Warning:
		return "warning"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "online":
		*s = Online
	case "warning":
		*s = Warning
	case "offline":
		*s = Offline
	default:
		return fmt.Errorf("health: unknown status %q", b)
	}
	return nil
}

// degrade is one step down: online -> warning -> offline, offline stays.
func (s Status) degrade() Status {
	if s >= Offline {
		return Offline
	}
	return s + 1
}

// Kind separates upstream providers from downstream sinks.
type Kind string

const (
	KindProvider Kind = "provider"
	KindSink     Kind = "sink"
)
