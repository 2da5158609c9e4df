package session

import "time"

// Session describes one participant's membership in a collaboration room.
type Session struct {
	SessionID string    `json:"sessionId"`
	FileID    string    `json:"fileId"`
	RoomName  string    `json:"roomName"`
	Host      string    `json:"host"` // address of the relay that sequences this room
	CreatedAt time.Time `json:"createdAt"`
	Owner     string    `json:"owner"`
	PeerID    string    `json:"peerId"`
	// Version is the highest log version fully applied locally.
	Version  int  `json:"version"`
	IsActive bool `json:"isActive"`
}

// CollaborationUser records that a user was present in a session. Records
// are never removed while the session exists; IsActive flips instead.
type CollaborationUser struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	SessionID string    `json:"sessionId"`
	JoinedAt  time.Time `json:"joinedAt"`
	IsActive  bool      `json:"isActive"`
}

// Roster is the membership audit trail of one session, keyed by user ID.
type Roster map[string]CollaborationUser

// Join marks u active, creating the record on first sight. A rejoin keeps
// the original JoinedAt.
func (r Roster) Join(u CollaborationUser) CollaborationUser {
	if prev, ok := r[u.UserID]; ok {
		u.JoinedAt = prev.JoinedAt
	}
	u.IsActive = true
	r[u.UserID] = u
	return u
}

// Leave marks userID inactive. It reports false for an unknown user.
func (r Roster) Leave(userID string) (CollaborationUser, bool) {
	u, ok := r[userID]
	if !ok {
		return CollaborationUser{}, false
	}
	u.IsActive = false
	r[userID] = u
	return u, true
}
