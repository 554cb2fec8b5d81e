package pairing

import (
	"encoding/hex"
	"fmt"
	"time"
)

// TokenIDSize is the size of a token identifier in bytes (128 bits of entropy).
const TokenIDSize = 16

// TokenID is the opaque random identifier of a pairing token.
type TokenID [TokenIDSize]byte

// String returns the lowercase hex form used in URLs and as the session id.
func (id TokenID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns a prefix suitable for log lines.
func (id TokenID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether the id is unset.
func (id TokenID) IsZero() bool {
	return id == TokenID{}
}

// ParseTokenID parses the hex form produced by String.
func ParseTokenID(s string) (TokenID, error) {
	var id TokenID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse token id: %w", err)
	}
	if len(raw) != TokenIDSize {
		return id, fmt.Errorf("parse token id: want %d bytes, got %d", TokenIDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Token is a short-lived, single-claim credential authorizing two devices to form a session.
// It is immutable once issued.
type Token struct {
	ID             TokenID   `json:"id"`
	IssuedAt       time.Time `json:"issuedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	IssuerEndpoint string    `json:"issuerEndpoint"`
}

// Validity is the window between issuance and expiry.
func (t Token) Validity() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// ExpiredAt reports whether the token is no longer valid at now.
func (t Token) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// SessionID is the identifier both peers derive for the session formed from this token.
func (t Token) SessionID() string {
	return t.ID.String()
}
