package pairing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClaimState is the lifecycle state of a tracked token.
type ClaimState int

const (
	ClaimOpen ClaimState = iota
	ClaimClaimed
	ClaimExpired
	ClaimRevoked
)

func (s ClaimState) String() string {
	switch s {
	case ClaimOpen:
		return "open"
	case ClaimClaimed:
		return "claimed"
	case ClaimExpired:
		return "expired"
	case ClaimRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// MarshalText lets the state render as its name in JSON.
func (s ClaimState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the names produced by MarshalText.
func (s *ClaimState) UnmarshalText(text []byte) error {
	for _, candidate := range []ClaimState{ClaimOpen, ClaimClaimed, ClaimExpired, ClaimRevoked} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown claim state %q", text)
}

// Identity is an anonymous identifier valid only for a session's lifetime.
type Identity string

// NewIdentity generates a fresh anonymous identity.
func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

// ClaimRecord tracks the claim state of one issued token.
type ClaimRecord struct {
	Token     Token      `json:"token"`
	IssuedBy  Identity   `json:"issuedBy,omitempty"`
	ClaimedBy Identity   `json:"claimedBy,omitempty"`
	ClaimedAt time.Time  `json:"claimedAt,omitempty"`
	State     ClaimState `json:"state"`
}
