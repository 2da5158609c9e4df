package session

import (
	"collabtext/internal/oplog"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
)

// Event is something the host application may want to show. The set of
// implementations is closed; switch on the concrete type.
type Event interface {
	Type() string
	isEvent()
}

// StatusChanged fires on every connection status change.
type StatusChanged struct {
	From    Status
	To      Status
	Trigger Trigger
}

// OperationRejected reports a local or remote operation that was not
// applied.
type OperationRejected struct {
	Op     ot.Operation
	Reason error
}

type PeerJoined struct {
	User CollaborationUser
}

type PeerLeft struct {
	User CollaborationUser
}

// RemoteApplied reports a remote entry and the components applied to the
// local document after transforming against unacknowledged local edits.
type RemoteApplied struct {
	Entry   oplog.Entry
	Applied []ot.Operation
}

type PresenceChanged struct {
	User presence.RemoteUser
}

type PresenceEvicted struct {
	UserID string
}

// Conflict lists local edits that were replayed onto a snapshot but
// overlapped text changed remotely meanwhile.
type Conflict struct {
	Ops    []ot.Operation
	Reason string
}

// Failure reports an error that did not end the session.
type Failure struct {
	Err error
}

func (StatusChanged) Type() string     { return "status_changed" }
func (OperationRejected) Type() string { return "operation_rejected" }
func (PeerJoined) Type() string        { return "peer_joined" }
func (PeerLeft) Type() string          { return "peer_left" }
func (RemoteApplied) Type() string     { return "remote_applied" }
func (PresenceChanged) Type() string   { return "presence_changed" }
func (PresenceEvicted) Type() string   { return "presence_evicted" }
func (Conflict) Type() string          { return "conflict" }
func (Failure) Type() string           { return "failure" }

func (StatusChanged) isEvent()     {}
func (OperationRejected) isEvent() {}
func (PeerJoined) isEvent()        {}
func (PeerLeft) isEvent()          {}
func (RemoteApplied) isEvent()     {}
func (PresenceChanged) isEvent()   {}
func (PresenceEvicted) isEvent()   {}
func (Conflict) isEvent()          {}
func (Failure) isEvent()           {}
