package pairing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
	"github.com/zhouzirui/pairchat/internal/service/pairing"
	"github.com/zhouzirui/pairchat/internal/service/token"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	now      time.Time
	codec    *token.Codec
	registry *pairing.Registry
}

func newHarness(t *testing.T, opts pairing.Options) *harness {
	t.Helper()
	h := &harness{now: epoch}
	h.codec = token.New("ws://relay.test/ws")
	h.codec.Now = func() time.Time { return h.now }
	h.registry = pairing.NewRegistry(opts, zerolog.Nop())
	h.registry.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) issue(t *testing.T, validity time.Duration) model.Token {
	t.Helper()
	tok, err := h.codec.Issue(validity)
	require.NoError(t, err)
	_, err = h.registry.IssueAndTrack(tok)
	require.NoError(t, err)
	return tok
}

func TestClaimOnce(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	tok := h.issue(t, time.Minute)
	ctx := context.Background()

	rec, err := h.registry.Claim(ctx, tok.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.ClaimClaimed, rec.State)
	assert.Equal(t, model.Identity("bob"), rec.ClaimedBy)
	assert.Equal(t, epoch, rec.ClaimedAt)

	_, err = h.registry.Claim(ctx, tok.ID, "carol")
	require.ErrorIs(t, err, protoerr.ErrAlreadyClaimed)

	got, ok := h.registry.Get(tok.ID)
	require.True(t, ok)
	assert.Equal(t, model.Identity("bob"), got.ClaimedBy)
}

func TestConcurrentClaimsYieldSingleWinner(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	tok := h.issue(t, time.Minute)

	const claimants = 64
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := h.registry.Claim(context.Background(), tok.ID, model.Identity(fmt.Sprintf("peer-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, protoerr.ErrAlreadyClaimed):
				conflict++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, claimants-1, conflict)
}

func TestClaimAfterExpiryWithoutSweep(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	tok := h.issue(t, 60*time.Second)

	h.now = epoch.Add(70 * time.Second)
	_, err := h.registry.Claim(context.Background(), tok.ID, "late")
	require.ErrorIs(t, err, protoerr.ErrExpiredToken)

	rec, ok := h.registry.Get(tok.ID)
	require.True(t, ok)
	assert.Equal(t, model.ClaimExpired, rec.State)
}

func TestClaimWithinValidity(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	tok := h.issue(t, 60*time.Second)

	h.now = epoch.Add(30 * time.Second)
	_, err := h.registry.Claim(context.Background(), tok.ID, "early")
	require.NoError(t, err)
}

func TestClaimUnknownToken(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	_, err := h.registry.Claim(context.Background(), model.TokenID{1}, "bob")
	require.ErrorIs(t, err, protoerr.ErrUnknownToken)
}

func TestRevoke(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	tok := h.issue(t, time.Minute)

	require.NoError(t, h.registry.Revoke(tok.ID))
	require.NoError(t, h.registry.Revoke(tok.ID), "revoke is idempotent")

	_, err := h.registry.Claim(context.Background(), tok.ID, "bob")
	require.ErrorIs(t, err, protoerr.ErrRevoked)

	claimed := h.issue(t, time.Minute)
	_, err = h.registry.Claim(context.Background(), claimed.ID, "bob")
	require.NoError(t, err)
	require.ErrorIs(t, h.registry.Revoke(claimed.ID), protoerr.ErrAlreadyClaimed)

	require.ErrorIs(t, h.registry.Revoke(model.TokenID{9}), protoerr.ErrUnknownToken)
}

func TestTooManyPending(t *testing.T) {
	h := newHarness(t, pairing.Options{MaxPending: 2, Retention: time.Minute})
	first := h.issue(t, time.Minute)
	h.issue(t, time.Minute)

	tok, err := h.codec.Issue(time.Minute)
	require.NoError(t, err)
	_, err = h.registry.IssueAndTrack(tok)
	require.ErrorIs(t, err, protoerr.ErrTooManyPending)

	_, err = h.registry.IssueAndTrackFor("other-device", tok)
	require.NoError(t, err, "the bound is per device")

	_, err = h.registry.Claim(context.Background(), first.ID, "bob")
	require.NoError(t, err)
	h.issue(t, time.Minute)
	assert.Equal(t, 3, h.registry.Pending())
}

func TestExpiredTokensFreeCapacity(t *testing.T) {
	h := newHarness(t, pairing.Options{MaxPending: 1})
	h.issue(t, 10*time.Second)

	h.now = epoch.Add(11 * time.Second)
	h.issue(t, 10*time.Second)
}

func TestIssueAndTrackRejectsExpiredAndDuplicate(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	tok := h.issue(t, time.Second)

	_, err := h.registry.IssueAndTrack(tok)
	require.Error(t, err)

	h.now = epoch.Add(2 * time.Second)
	fresh := model.Token{ID: model.TokenID{7}, IssuedAt: epoch, ExpiresAt: epoch.Add(time.Second)}
	_, err = h.registry.IssueAndTrack(fresh)
	require.ErrorIs(t, err, protoerr.ErrExpiredToken)
}

func TestSweepRemovesSettledRecords(t *testing.T) {
	h := newHarness(t, pairing.Options{MaxPending: 4, Retention: time.Minute})
	open := h.issue(t, 10*time.Second)
	claimed := h.issue(t, 10*time.Second)
	_, err := h.registry.Claim(context.Background(), claimed.ID, "bob")
	require.NoError(t, err)

	var settled []model.ClaimRecord
	h.registry.OnSettle = func(rec model.ClaimRecord) { settled = append(settled, rec) }

	h.now = epoch.Add(20 * time.Second)
	assert.Equal(t, 0, h.registry.Sweep())
	rec, ok := h.registry.Get(open.ID)
	require.True(t, ok)
	assert.Equal(t, model.ClaimExpired, rec.State)

	h.now = epoch.Add(2 * time.Minute)
	assert.Equal(t, 2, h.registry.Sweep())
	assert.Len(t, settled, 2)
	_, ok = h.registry.Get(claimed.ID)
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.registry.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClear(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	tok := h.issue(t, time.Minute)
	h.registry.Clear()
	_, ok := h.registry.Get(tok.ID)
	assert.False(t, ok)
}

func TestRevokeByIssuerOnly(t *testing.T) {
	h := newHarness(t, pairing.DefaultOptions())
	tok, err := h.codec.Issue(time.Minute)
	require.NoError(t, err)
	_, err = h.registry.IssueAndTrackFor("alice", tok)
	require.NoError(t, err)

	require.ErrorIs(t, h.registry.RevokeBy(tok.ID, "mallory"), protoerr.ErrNotIssuer)
	rec, ok := h.registry.Get(tok.ID)
	require.True(t, ok)
	assert.Equal(t, model.ClaimOpen, rec.State)

	require.NoError(t, h.registry.RevokeBy(tok.ID, "alice"))
	rec, _ = h.registry.Get(tok.ID)
	assert.Equal(t, model.ClaimRevoked, rec.State)
}

func TestMaxOpenBoundsAllDevices(t *testing.T) {
	h := newHarness(t, pairing.Options{MaxPending: 2, MaxOpen: 3, Retention: time.Minute})
	for i := 0; i < 3; i++ {
		tok, err := h.codec.Issue(time.Minute)
		require.NoError(t, err)
		_, err = h.registry.IssueAndTrackFor(model.Identity(fmt.Sprintf("device-%d", i)), tok)
		require.NoError(t, err)
	}

	tok, err := h.codec.Issue(time.Minute)
	require.NoError(t, err)
	_, err = h.registry.IssueAndTrackFor("device-new", tok)
	require.ErrorIs(t, err, protoerr.ErrTooManyPending)
	assert.Equal(t, 3, h.registry.Pending())

	// Expired tokens free their slots.
	h.now = h.now.Add(2 * time.Minute)
	tok, err = h.codec.Issue(time.Minute)
	require.NoError(t, err)
	_, err = h.registry.IssueAndTrackFor("device-new", tok)
	require.NoError(t, err)
}
