package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
)

// Lookup reads claim records. *pairing.Registry satisfies it.
type Lookup interface {
	Get(id pairing.TokenID) (pairing.ClaimRecord, bool)
}

type participants struct {
	issuer, claimant pairing.Identity
	lastSeen         time.Time
}

// Pairings authorizes relay connections against the claim registry. Once a
// pairing is claimed its two identities are remembered, so peers can still
// reconnect after the registry has swept the token.
type Pairings struct {
	lookup Lookup
	now    func() time.Time

	mu    sync.Mutex
	known map[string]*participants
}

// NewPairings wraps lookup.
func NewPairings(lookup Lookup) *Pairings {
	return &Pairings{lookup: lookup, now: time.Now, known: make(map[string]*participants)}
}

// Authorize implements Authorizer.
func (p *Pairings) Authorize(sessionID string, peer pairing.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if known, ok := p.known[sessionID]; ok {
		if peer != known.issuer && peer != known.claimant {
			return ErrNotParticipant
		}
		known.lastSeen = p.now()
		return nil
	}

	id, err := pairing.ParseTokenID(sessionID)
	if err != nil {
		return protoerr.Wrap(protoerr.KindMalformedToken, "session id", err)
	}
	rec, ok := p.lookup.Get(id)
	if !ok {
		return protoerr.Newf(protoerr.KindUnknownToken, "no pairing %s", id.Short())
	}

	switch rec.State {
	case pairing.ClaimOpen:
		if rec.IssuedBy != "" && peer != rec.IssuedBy {
			return fmt.Errorf("%w: pairing %s is not claimed yet", ErrNotParticipant, id.Short())
		}
		return nil
	case pairing.ClaimClaimed:
		if peer != rec.IssuedBy && peer != rec.ClaimedBy && rec.IssuedBy != "" {
			return ErrNotParticipant
		}
		if rec.IssuedBy == "" && peer != rec.ClaimedBy {
			// Single-device registries do not know the issuer; the first
			// other peer to connect takes that seat.
			rec.IssuedBy = peer
		}
		p.known[sessionID] = &participants{issuer: rec.IssuedBy, claimant: rec.ClaimedBy, lastSeen: p.now()}
		return nil
	case pairing.ClaimExpired:
		return protoerr.Newf(protoerr.KindExpiredToken, "pairing %s expired", id.Short())
	case pairing.ClaimRevoked:
		return protoerr.Newf(protoerr.KindRevoked, "pairing %s revoked", id.Short())
	default:
		return fmt.Errorf("pairing %s in unexpected state %s", id.Short(), rec.State)
	}
}

// Forget drops what is remembered about sessionID.
func (p *Pairings) Forget(sessionID string) {
	p.mu.Lock()
	delete(p.known, sessionID)
	p.mu.Unlock()
}

// Prune forgets pairings not seen for idle whose room is no longer open.
func (p *Pairings) Prune(idle time.Duration, open func(sessionID string) bool) int {
	cutoff := p.now().Add(-idle)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, known := range p.known {
		if known.lastSeen.Before(cutoff) && (open == nil || !open(id)) {
			delete(p.known, id)
			removed++
		}
	}
	return removed
}

// Remembered reports how many claimed pairings are cached.
func (p *Pairings) Remembered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.known)
}
