package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/pairchat/internal/model/chat"
	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
	"github.com/zhouzirui/pairchat/internal/service/token"
	"github.com/zhouzirui/pairchat/internal/transport"
)

// Claimer settles a token for a claimant. The in-process registry and the
// relay HTTP client both satisfy it.
type Claimer interface {
	Claim(ctx context.Context, id pairing.TokenID, claimant pairing.Identity) (pairing.ClaimRecord, error)
}

// Manager creates sessions and keeps at most one per pairing.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	claimer Claimer
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	// reserved holds session ids whose Join or Offer is still in flight.
	reserved map[string]struct{}
}

// NewManager builds a manager. claimer may be nil for a device that only offers.
func NewManager(cfg Config, dialer transport.Dialer, claimer Claimer, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		claimer:  claimer,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		reserved: make(map[string]struct{}),
	}
}

// Join claims a scanned token under a fresh identity and starts connecting to
// the issuer. The returned session is Connecting; use WaitActive to block
// until the handshake completes.
func (m *Manager) Join(ctx context.Context, tok pairing.Token) (*Session, error) {
	if tok.ExpiredAt(m.now()) {
		return nil, protoerr.Newf(protoerr.KindExpiredToken, "token %s expired at %s", tok.ID.Short(), tok.ExpiresAt.Format(time.RFC3339))
	}
	if m.claimer == nil {
		return nil, fmt.Errorf("join %s: no claimer configured", tok.ID.Short())
	}
	// Reserve the id before claiming so a concurrent Join cannot burn the token.
	if err := m.reserve(tok); err != nil {
		return nil, err
	}

	local := pairing.NewIdentity()
	rec, err := m.claimer.Claim(ctx, tok.ID, local)
	if err != nil {
		m.release(tok.SessionID())
		return nil, fmt.Errorf("claim %s: %w", tok.ID.Short(), err)
	}

	s := newSession(RoleClaimant, tok, local, rec.IssuedBy, m.cfg, m.dialer, m.logger)
	m.install(s)
	s.start()
	return s, nil
}

// JoinText decodes the text form of a token and joins it.
func (m *Manager) JoinText(ctx context.Context, text string) (*Session, error) {
	tok, err := token.DecodeText(text, m.now())
	if err != nil {
		return nil, err
	}
	return m.Join(ctx, tok)
}

// JoinEncoded decodes the binary form of a token and joins it.
func (m *Manager) JoinEncoded(ctx context.Context, data []byte) (*Session, error) {
	tok, err := token.Decode(data, m.now())
	if err != nil {
		return nil, err
	}
	return m.Join(ctx, tok)
}

// Offer starts the issuer side of a pairing: it connects to the endpoint and
// waits in Connecting for the claimant until the token expires. An empty
// local identity gets a fresh one.
func (m *Manager) Offer(ctx context.Context, tok pairing.Token, local pairing.Identity) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tok.ExpiredAt(m.now()) {
		return nil, protoerr.Newf(protoerr.KindExpiredToken, "token %s expired", tok.ID.Short())
	}
	if local == "" {
		local = pairing.NewIdentity()
	}

	if err := m.reserve(tok); err != nil {
		return nil, err
	}
	s := newSession(RoleIssuer, tok, local, "", m.cfg, m.dialer, m.logger)
	m.install(s)
	s.start()
	return s, nil
}

// Get returns the open session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns snapshots of every open session ordered by creation time.
func (m *Manager) Sessions() []chat.Session {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	out := make([]chat.Session, 0, len(open))
	for _, s := range open {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown closes every open session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
}

// reserve claims the session id for tok until install or release.
func (m *Manager) reserve(tok pairing.Token) error {
	id := tok.SessionID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return protoerr.Newf(protoerr.KindAlreadyClaimed, "session %s already open", tok.ID.Short())
	}
	if _, pending := m.reserved[id]; pending {
		return protoerr.Newf(protoerr.KindAlreadyClaimed, "session %s already being joined", tok.ID.Short())
	}
	m.reserved[id] = struct{}{}
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.reserved, id)
	m.mu.Unlock()
}

// install turns a reservation into an open session.
func (m *Manager) install(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, s.id)
	s.onClosed = m.forget
	m.sessions[s.id] = s
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}
