package chat

import "time"

// Session captures a point-in-time view of a transient anonymous conversation.
type Session struct {
	ID             string    `json:"id"`
	ParticipantA   string    `json:"participantA"`
	ParticipantB   string    `json:"participantB,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty"`
	SendSeq        uint64    `json:"sendSeq"`
	RecvExpected   uint64    `json:"recvExpected"`
	Unacked        int       `json:"unacked"`
	Buffered       int       `json:"buffered"`
}
