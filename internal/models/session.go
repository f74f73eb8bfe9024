package models

import "time"

// SessionStatus is the lifecycle state of a call session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// CallSession records one pairing. User1ID is always the lexicographically
// smaller participant so the slot assignment is reproducible.
type CallSession struct {
	ID        string        `json:"id"`
	User1ID   string        `json:"user1Id"`
	User2ID   string        `json:"user2Id"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
}

// Names reports whether userID is one of the two participants.
func (s CallSession) Names(userID string) bool {
	return s.User1ID == userID || s.User2ID == userID
}

// PeerOf returns the other participant, or false if userID is not in the session.
func (s CallSession) PeerOf(userID string) (string, bool) {
	switch userID {
	case s.User1ID:
		return s.User2ID, true
	case s.User2ID:
		return s.User1ID, true
	}
	return "", false
}

// EndCallRequest is the request body for ending a call.
type EndCallRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

// MatchFrame is the single frame pushed on the match WebSocket.
type MatchFrame struct {
	Type   string `json:"type"` // "match" | "error"
	PeerID string `json:"peerId,omitempty"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error,omitempty"`
}
