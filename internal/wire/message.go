package wire

import (
	"errors"
	"fmt"

	"collabtext/internal/oplog"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/session"
)

// ErrBadMessage is returned for an envelope whose payload does not match
// its type.
var ErrBadMessage = errors.New("bad message")

// Type tells the receiver which payload field is set.
type Type string

const (
	TypeJoin            Type = "join"             // client -> relay
	TypeWelcome         Type = "welcome"          // relay -> client, handshake ack
	TypeResync          Type = "resync"           // client -> relay
	TypeSnapshotRequest Type = "snapshot_request" // client -> relay
	TypeCatchUp         Type = "catch_up"         // relay -> client
	TypeSnapshot        Type = "snapshot"         // relay -> client
	TypeOp              Type = "op"               // client -> relay
	TypeChange          Type = "change"           // relay -> clients
	TypePresence        Type = "presence"         // both ways, never retried
	TypeMember          Type = "member"           // relay -> clients
	TypeLeave           Type = "leave"            // client -> relay
	TypeError           Type = "error"            // relay -> client
)

// Join opens or joins a room. Since is the client's local version, or -1
// for a client without any state, which gets a snapshot in the welcome.
type Join struct {
	RoomName  string `json:"roomName"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	Since     int    `json:"since"`
}

type Welcome struct {
	Session       session.Session             `json:"session"`
	Version       int                         `json:"version"`
	FirstRetained int                         `json:"firstRetained"`
	Snapshot      *Snapshot                   `json:"snapshot,omitempty"`
	Members       []session.CollaborationUser `json:"members,omitempty"`
	Presence      []presence.RemoteUser       `json:"presence,omitempty"`
}

type Resync struct {
	Since int `json:"since"`
}

type CatchUp struct {
	Entries []oplog.Entry `json:"entries"`
	Version int           `json:"version"`
}

// SnapshotRequest names the in-flight operation the client has not seen
// acknowledged, so the relay can say whether the snapshot contains it.
type SnapshotRequest struct {
	Inflight []string `json:"inflight,omitempty"`
}

type Snapshot struct {
	Text    string `json:"text"`
	Version int    `json:"version"`
	// Committed lists the requested operation ids already in Text.
	Committed []string `json:"committed,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Op is set when the error rejects a submitted operation.
	Op *ot.Operation `json:"op,omitempty"`
}

// Error codes sent by the relay.
const (
	CodeRejected  = "rejected"
	CodeTruncated = "truncated"
	CodeNotFound  = "not_found"
	CodeProtocol  = "protocol"
)

// Message is the envelope for everything on the wire. Exactly the field
// named by Type is set.
type Message struct {
	Type            Type                       `json:"type"`
	Join            *Join                      `json:"join,omitempty"`
	Welcome         *Welcome                   `json:"welcome,omitempty"`
	Resync          *Resync                    `json:"resync,omitempty"`
	SnapshotRequest *SnapshotRequest           `json:"snapshotRequest,omitempty"`
	CatchUp         *CatchUp                   `json:"catchUp,omitempty"`
	Snapshot        *Snapshot                  `json:"snapshot,omitempty"`
	Op              *ot.Operation              `json:"op,omitempty"`
	Change          *oplog.Entry               `json:"change,omitempty"`
	Presence        *presence.Update           `json:"presence,omitempty"`
	Member          *session.CollaborationUser `json:"member,omitempty"`
	Error           *Error                     `json:"error,omitempty"`
}

// Validate checks that the payload matching Type is present.
func (m Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeJoin:
		ok = m.Join != nil && m.Join.RoomName != "" && m.Join.UserID != ""
	case TypeWelcome:
		ok = m.Welcome != nil
	case TypeResync:
		ok = m.Resync != nil
	case TypeSnapshotRequest, TypeLeave:
		ok = true
	case TypeCatchUp:
		ok = m.CatchUp != nil
	case TypeSnapshot:
		ok = m.Snapshot != nil
	case TypeOp:
		ok = m.Op != nil
	case TypeChange:
		ok = m.Change != nil
	case TypePresence:
		ok = m.Presence != nil && m.Presence.UserID != ""
	case TypeMember:
		ok = m.Member != nil
	case TypeError:
		ok = m.Error != nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadMessage, m.Type)
	}
	if !ok {
		return fmt.Errorf("%w: missing %s payload", ErrBadMessage, m.Type)
	}
	return nil
}

func JoinMessage(j Join) Message                { return Message{Type: TypeJoin, Join: &j} }
func WelcomeMessage(w Welcome) Message          { return Message{Type: TypeWelcome, Welcome: &w} }
func ResyncMessage(since int) Message           { return Message{Type: TypeResync, Resync: &Resync{Since: since}} }
func CatchUpMessage(c CatchUp) Message          { return Message{Type: TypeCatchUp, CatchUp: &c} }
func SnapshotMessage(s Snapshot) Message        { return Message{Type: TypeSnapshot, Snapshot: &s} }
func OpMessage(op ot.Operation) Message         { return Message{Type: TypeOp, Op: &op} }
func ChangeMessage(e oplog.Entry) Message       { return Message{Type: TypeChange, Change: &e} }
func PresenceMessage(u presence.Update) Message { return Message{Type: TypePresence, Presence: &u} }
func LeaveMessage() Message                     { return Message{Type: TypeLeave} }

func SnapshotRequestMessage(inflight ...string) Message {
	return Message{Type: TypeSnapshotRequest, SnapshotRequest: &SnapshotRequest{Inflight: inflight}}
}

func MemberMessage(u session.CollaborationUser) Message {
	return Message{Type: TypeMember, Member: &u}
}

func ErrorMessage(code, msg string, op *ot.Operation) Message {
	return Message{Type: TypeError, Error: &Error{Code: code, Message: msg, Op: op}}
}
