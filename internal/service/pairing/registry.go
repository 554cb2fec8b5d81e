// Package pairing tracks outstanding pairing tokens and arbitrates claims on them.
package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	model "github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
)

// LocalDevice is the issuer key used when the registry serves a single device.
const LocalDevice model.Identity = ""

// Options bounds the registry.
type Options struct {
	// MaxPending caps Open tokens per issuing device.
	MaxPending int
	// MaxOpen caps Open tokens across all devices; issuer identities are
	// chosen by callers, so this is what bounds memory on a shared relay.
	MaxOpen int
	// Retention keeps settled records around after expiry so late claims
	// still report AlreadyClaimed/Revoked instead of UnknownToken.
	Retention time.Duration
}

// DefaultOptions returns the registry bounds used when none are configured.
func DefaultOptions() Options {
	return Options{MaxPending: 8, MaxOpen: 1024, Retention: 5 * time.Minute}
}

// Registry is the single owned structure holding claim records. It is safe for
// concurrent use; Claim is the only mutation that races across sessions.
type Registry struct {
	mu      sync.Mutex
	records map[model.TokenID]*model.ClaimRecord
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger
	// OnSettle, when set, is called outside the lock for every record removed by Sweep.
	OnSettle func(model.ClaimRecord)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultOptions().MaxPending
	}
	if opts.MaxOpen <= 0 {
		opts.MaxOpen = DefaultOptions().MaxOpen
	}
	if opts.MaxOpen < opts.MaxPending {
		opts.MaxOpen = opts.MaxPending
	}
	if opts.Retention < 0 {
		opts.Retention = 0
	}
	return &Registry{
		records: make(map[model.TokenID]*model.ClaimRecord),
		opts:    opts,
		now:     time.Now,
		logger:  logger.With().Str("component", "pairing").Logger(),
	}
}

// SetClock replaces the registry's time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// IssueAndTrack inserts an Open record for tok on behalf of the local device.
func (r *Registry) IssueAndTrack(tok model.Token) (model.ClaimRecord, error) {
	return r.IssueAndTrackFor(LocalDevice, tok)
}

// IssueAndTrackFor inserts an Open record for tok issued by device.
// It fails with TooManyPending when device already has MaxPending Open tokens
// or the registry holds MaxOpen Open tokens in total.
func (r *Registry) IssueAndTrackFor(device model.Identity, tok model.Token) (model.ClaimRecord, error) {
	if tok.ID.IsZero() {
		return model.ClaimRecord{}, protoerr.New(protoerr.KindMalformedToken, "token has no id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if tok.ExpiredAt(now) {
		return model.ClaimRecord{}, protoerr.Newf(protoerr.KindExpiredToken, "token %s already expired", tok.ID.Short())
	}
	if _, exists := r.records[tok.ID]; exists {
		return model.ClaimRecord{}, fmt.Errorf("track token %s: duplicate id", tok.ID.Short())
	}

	pending, open := 0, 0
	for _, rec := range r.records {
		r.expireLocked(rec, now)
		if rec.State != model.ClaimOpen {
			continue
		}
		open++
		if rec.IssuedBy == device {
			pending++
		}
	}
	if pending >= r.opts.MaxPending {
		return model.ClaimRecord{}, protoerr.Newf(protoerr.KindTooManyPending, "%d tokens already pending", pending)
	}
	if open >= r.opts.MaxOpen {
		return model.ClaimRecord{}, protoerr.Newf(protoerr.KindTooManyPending, "registry full with %d open tokens", open)
	}

	rec := &model.ClaimRecord{Token: tok, IssuedBy: device, State: model.ClaimOpen}
	r.records[tok.ID] = rec
	r.logger.Debug().Str("token", tok.ID.Short()).Time("expires", tok.ExpiresAt).Msg("token tracked")
	return *rec, nil
}

// Claim redeems an Open token for claimant. The first caller wins; every other
// caller gets AlreadyClaimed. Expiry is checked here regardless of sweeps.
func (r *Registry) Claim(_ context.Context, id model.TokenID, claimant model.Identity) (model.ClaimRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return model.ClaimRecord{}, protoerr.Newf(protoerr.KindUnknownToken, "token %s not tracked", id.Short())
	}

	now := r.now()
	r.expireLocked(rec, now)

	switch rec.State {
	case model.ClaimClaimed:
		return model.ClaimRecord{}, protoerr.Newf(protoerr.KindAlreadyClaimed, "token %s already claimed", id.Short())
	case model.ClaimExpired:
		return model.ClaimRecord{}, protoerr.Newf(protoerr.KindExpiredToken, "token %s expired", id.Short())
	case model.ClaimRevoked:
		return model.ClaimRecord{}, protoerr.Newf(protoerr.KindRevoked, "token %s revoked", id.Short())
	}

	rec.State = model.ClaimClaimed
	rec.ClaimedBy = claimant
	rec.ClaimedAt = now
	r.logger.Info().Str("token", id.Short()).Msg("token claimed")
	return *rec, nil
}

// Revoke cancels an Open token before expiry.
func (r *Registry) Revoke(id model.TokenID) error {
	return r.revoke(id, nil)
}

// RevokeBy cancels an Open token on behalf of issuer. Only the device that
// issued the token may revoke it.
func (r *Registry) RevokeBy(id model.TokenID, issuer model.Identity) error {
	return r.revoke(id, &issuer)
}

func (r *Registry) revoke(id model.TokenID, issuer *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return protoerr.Newf(protoerr.KindUnknownToken, "token %s not tracked", id.Short())
	}
	if issuer != nil && rec.IssuedBy != *issuer {
		return protoerr.Newf(protoerr.KindNotIssuer, "token %s was issued by another device", id.Short())
	}
	r.expireLocked(rec, r.now())

	switch rec.State {
	case model.ClaimClaimed:
		return protoerr.Newf(protoerr.KindAlreadyClaimed, "token %s already claimed", id.Short())
	case model.ClaimExpired:
		return protoerr.Newf(protoerr.KindExpiredToken, "token %s expired", id.Short())
	case model.ClaimRevoked:
		return nil
	}
	rec.State = model.ClaimRevoked
	r.logger.Info().Str("token", id.Short()).Msg("token revoked")
	return nil
}

// Get returns a copy of the record for id with expiry applied.
func (r *Registry) Get(id model.TokenID) (model.ClaimRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return model.ClaimRecord{}, false
	}
	r.expireLocked(rec, r.now())
	return *rec, true
}

// Pending counts Open tokens across all devices.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for _, rec := range r.records {
		r.expireLocked(rec, now)
		if rec.State == model.ClaimOpen {
			n++
		}
	}
	return n
}

// Sweep expires Open tokens past their deadline and drops records whose
// retention has elapsed. It returns the number of records removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var removed []model.ClaimRecord
	for id, rec := range r.records {
		r.expireLocked(rec, now)
		if rec.State != model.ClaimOpen && now.Sub(rec.Token.ExpiresAt) >= r.opts.Retention {
			removed = append(removed, *rec)
			delete(r.records, id)
		}
	}
	onSettle := r.OnSettle
	r.mu.Unlock()

	if onSettle != nil {
		for _, rec := range removed {
			onSettle(rec)
		}
	}
	if len(removed) > 0 {
		r.logger.Debug().Int("removed", len(removed)).Msg("registry swept")
	}
	return len(removed)
}

// Run sweeps on interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Clear drops every record; used on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[model.TokenID]*model.ClaimRecord)
}

func (r *Registry) expireLocked(rec *model.ClaimRecord, now time.Time) {
	if rec.State == model.ClaimOpen && rec.Token.ExpiredAt(now) {
		rec.State = model.ClaimExpired
	}
}
