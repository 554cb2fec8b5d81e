package pairing

import "time"

// IssuerHeader carries the issuer identity on requests only the issuer may make.
const IssuerHeader = "X-Pairchat-Issuer"

// IssueRequest asks the relay to mint a token. Issuer may be empty, in which
// case the relay assigns a fresh identity.
type IssueRequest struct {
	Issuer          Identity `json:"issuer,omitempty"`
	ValiditySeconds int      `json:"validitySeconds,omitempty"`
}

// IssueResponse carries a freshly issued token in its QR text form.
type IssueResponse struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Issuer    Identity  `json:"issuer"`
	Endpoint  string    `json:"endpoint"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	QRCodeURL string    `json:"qrCodeUrl"`
}

// ClaimRequest names the anonymous identity claiming a token.
type ClaimRequest struct {
	Claimant Identity `json:"claimant"`
}

// TokenStatus is the public view of a claim record. IssuedBy is only filled
// in for the claimant, who needs it to recognise the issuer's HELLO.
type TokenStatus struct {
	ID        string     `json:"id"`
	State     ClaimState `json:"state"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	IssuedBy  Identity   `json:"issuedBy,omitempty"`
}

// Status builds the public view of r.
func (r ClaimRecord) Status() TokenStatus {
	st := TokenStatus{
		ID:        r.Token.ID.String(),
		State:     r.State,
		IssuedAt:  r.Token.IssuedAt,
		ExpiresAt: r.Token.ExpiresAt,
	}
	if !r.ClaimedAt.IsZero() {
		at := r.ClaimedAt
		st.ClaimedAt = &at
	}
	return st
}
