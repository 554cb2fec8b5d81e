package chat

import "time"

// Message is one sequenced payload exchanged inside a pairing session.
type Message struct {
	SessionID string    `json:"sessionId"`
	Seq       uint64    `json:"seq"`
	Payload   []byte    `json:"payload"`
	SentAt    time.Time `json:"sentAt"`
}
