package pairing

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	model "github.com/zhouzirui/pairchat/internal/model/pairing"
	svc "github.com/zhouzirui/pairchat/internal/service/pairing"
	"github.com/zhouzirui/pairchat/internal/service/token"
)

type fakeRooms struct {
	closed []string
}

func (f *fakeRooms) CloseRoom(sessionID string) int {
	f.closed = append(f.closed, sessionID)
	return 0
}

func setupRouter() (*chi.Mux, *svc.Registry, *fakeRooms) {
	return setupRouterWith(svc.DefaultOptions())
}

func setupRouterWith(opts svc.Options) (*chi.Mux, *svc.Registry, *fakeRooms) {
	registry := svc.NewRegistry(opts, zerolog.Nop())
	rooms := &fakeRooms{}
	handler := New(token.New("http://relay.test"), registry, rooms, Options{DefaultValidity: time.Minute, MaxValidity: 5 * time.Minute})

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, registry, rooms
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	return doAs(r, method, path, "", body)
}

func doAs(r http.Handler, method, path string, issuer model.Identity, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if issuer != "" {
		req.Header.Set(model.IssuerHeader, string(issuer))
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func issue(t *testing.T, r http.Handler) model.IssueResponse {
	t.Helper()
	resp := do(r, http.MethodPost, "/tokens", model.IssueRequest{Issuer: "issuer-1"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var out model.IssueResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}
	return out
}

func TestIssueToken(t *testing.T) {
	r, registry, _ := setupRouter()
	out := issue(t, r)

	if out.Issuer != "issuer-1" {
		t.Fatalf("expected issuer-1, got %s", out.Issuer)
	}
	if out.Endpoint != "http://relay.test" {
		t.Fatalf("expected endpoint to be the relay url, got %s", out.Endpoint)
	}
	if got := out.ExpiresAt.Sub(out.IssuedAt); got != time.Minute {
		t.Fatalf("expected one minute validity, got %s", got)
	}

	tok, err := token.DecodeText(out.Token, time.Now())
	if err != nil {
		t.Fatalf("token text does not decode: %v", err)
	}
	if tok.ID.String() != out.ID {
		t.Fatalf("expected id %s, got %s", out.ID, tok.ID)
	}
	if registry.Pending() != 1 {
		t.Fatalf("expected one pending token, got %d", registry.Pending())
	}
}

func TestIssueTokenAssignsIdentity(t *testing.T) {
	r, _, _ := setupRouter()
	resp := do(r, http.MethodPost, "/tokens", nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var out model.IssueResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	if out.Issuer == "" {
		t.Fatalf("expected generated issuer identity")
	}
}

func TestIssueTokenRejectsValidity(t *testing.T) {
	r, _, _ := setupRouter()
	resp := do(r, http.MethodPost, "/tokens", model.IssueRequest{ValiditySeconds: 3600})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestIssueTokenTooManyPending(t *testing.T) {
	r, _, _ := setupRouter()
	for i := 0; i < svc.DefaultOptions().MaxPending; i++ {
		issue(t, r)
	}
	resp := do(r, http.MethodPost, "/tokens", model.IssueRequest{Issuer: "issuer-1"})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
}

func TestClaimOnce(t *testing.T) {
	r, _, _ := setupRouter()
	out := issue(t, r)

	resp := do(r, http.MethodPost, "/tokens/"+out.ID+"/claim", model.ClaimRequest{Claimant: "claimant-1"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var status model.TokenStatus
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != model.ClaimClaimed {
		t.Fatalf("expected claimed, got %s", status.State)
	}
	if status.IssuedBy != "issuer-1" {
		t.Fatalf("expected issuer to be disclosed to the claimant, got %q", status.IssuedBy)
	}

	resp = do(r, http.MethodPost, "/tokens/"+out.ID+"/claim", model.ClaimRequest{Claimant: "claimant-2"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestClaimUnknownAndMalformed(t *testing.T) {
	r, _, _ := setupRouter()

	resp := do(r, http.MethodPost, "/tokens/00112233445566778899aabbccddeeff/claim", model.ClaimRequest{Claimant: "c"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = do(r, http.MethodPost, "/tokens/not-hex/claim", model.ClaimRequest{Claimant: "c"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestClaimMissingClaimant(t *testing.T) {
	r, _, _ := setupRouter()
	out := issue(t, r)

	resp := do(r, http.MethodPost, "/tokens/"+out.ID+"/claim", map[string]string{})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestClaimExpired(t *testing.T) {
	r, registry, _ := setupRouter()
	out := issue(t, r)
	registry.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	resp := do(r, http.MethodPost, "/tokens/"+out.ID+"/claim", model.ClaimRequest{Claimant: "late"})
	if resp.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", resp.Code)
	}
}

func TestRevoke(t *testing.T) {
	r, _, rooms := setupRouter()
	out := issue(t, r)

	resp := doAs(r, http.MethodDelete, "/tokens/"+out.ID, out.Issuer, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if len(rooms.closed) != 1 || rooms.closed[0] != out.ID {
		t.Fatalf("expected room %s to be closed, got %v", out.ID, rooms.closed)
	}

	resp = do(r, http.MethodPost, "/tokens/"+out.ID+"/claim", model.ClaimRequest{Claimant: "c"})
	if resp.Code != http.StatusGone {
		t.Fatalf("expected 410 after revoke, got %d", resp.Code)
	}
}

func TestStatus(t *testing.T) {
	r, _, _ := setupRouter()
	out := issue(t, r)

	resp := do(r, http.MethodGet, "/tokens/"+out.ID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var status model.TokenStatus
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != model.ClaimOpen {
		t.Fatalf("expected open, got %s", status.State)
	}
	if status.IssuedBy != "" {
		t.Fatalf("status must not disclose the issuer")
	}
}

func TestQRCode(t *testing.T) {
	r, _, _ := setupRouter()
	out := issue(t, r)

	resp := do(r, http.MethodGet, "/tokens/"+out.ID+"/qr.png?size=200", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("expected png signature")
	}

	resp = do(r, http.MethodGet, "/tokens/"+out.ID+"/qr.png?size=5", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for tiny size, got %d", resp.Code)
	}

	do(r, http.MethodPost, "/tokens/"+out.ID+"/claim", model.ClaimRequest{Claimant: "c"})
	resp = do(r, http.MethodGet, "/tokens/"+out.ID+"/qr.png", nil)
	if resp.Code != http.StatusGone {
		t.Fatalf("expected 410 once claimed, got %d", resp.Code)
	}
}

func TestRevokeRequiresIssuer(t *testing.T) {
	r, registry, rooms := setupRouter()
	out := issue(t, r)

	resp := do(r, http.MethodDelete, "/tokens/"+out.ID, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without issuer, got %d", resp.Code)
	}
	resp = doAs(r, http.MethodDelete, "/tokens/"+out.ID, "scanner", nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another identity, got %d", resp.Code)
	}
	if registry.Pending() != 1 {
		t.Fatalf("token must stay open, pending=%d", registry.Pending())
	}
	if len(rooms.closed) != 0 {
		t.Fatalf("no room should be closed, got %v", rooms.closed)
	}
}

func TestIssueWithoutIssuerIsBounded(t *testing.T) {
	r, registry, _ := setupRouterWith(svc.Options{MaxPending: 2, MaxOpen: 4, Retention: time.Minute})

	for i := 0; i < 4; i++ {
		resp := do(r, http.MethodPost, "/tokens", model.IssueRequest{})
		if resp.Code != http.StatusCreated {
			t.Fatalf("issue %d: expected 201, got %d", i, resp.Code)
		}
	}
	resp := do(r, http.MethodPost, "/tokens", model.IssueRequest{})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the open token bound, got %d", resp.Code)
	}
	if got := registry.Pending(); got != 4 {
		t.Fatalf("expected 4 pending tokens, got %d", got)
	}
}
