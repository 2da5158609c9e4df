package session

import "fmt"

// Status is the connection state of one session.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Syncing
	Offline
)

var statusNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Syncing:      "syncing",
	Offline:      "offline",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection status %q", b)
}

// Trigger is an input to the state machine.
type Trigger int

const (
	Connect Trigger = iota
	HandshakeAck
	CaughtUp
	ResyncRequired
	TransportError
	GiveUp
	Leave
)

var triggerNames = [...]string{
	Connect:        "connect",
	HandshakeAck:   "handshake_ack",
	CaughtUp:       "caught_up",
	ResyncRequired: "resync_required",
	TransportError: "transport_error",
	GiveUp:         "give_up",
	Leave:          "leave",
}

func (t Trigger) String() string {
	if t < 0 || int(t) >= len(triggerNames) {
		return fmt.Sprintf("trigger(%d)", int(t))
	}
	return triggerNames[t]
}

// transitions lists every legal move. Leave is accepted from any state and
// handled separately.
var transitions = map[Status]map[Trigger]Status{
	Disconnected: {
		Connect: Connecting,
	},
	Connecting: {
		HandshakeAck:   Syncing,
		TransportError: Offline,
	},
	Syncing: {
		CaughtUp:       Connected,
		TransportError: Offline,
	},
	Connected: {
		ResyncRequired: Syncing,
		TransportError: Offline,
	},
	Offline: {
		HandshakeAck:   Syncing,
		TransportError: Offline,
		GiveUp:         Disconnected,
	},
}
