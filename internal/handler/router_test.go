package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	pairingService "github.com/zhouzirui/pairchat/internal/service/pairing"
	relayService "github.com/zhouzirui/pairchat/internal/service/relay"
	"github.com/zhouzirui/pairchat/internal/service/token"
)

func newTestRouter() http.Handler {
	registry := pairingService.NewRegistry(pairingService.DefaultOptions(), zerolog.Nop())
	hub := relayService.NewHub(relayService.NewPairings(registry), relayService.DefaultOptions(), zerolog.Nop())
	return NewRouter(Deps{
		Codec:    token.New("http://relay.test"),
		Registry: registry,
		Hub:      hub,
		Logger:   zerolog.Nop(),
	})
}

func TestHealthz(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestIssueRouteMounted(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/tokens", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
}

func TestWebSocketRejectsUnknownPairing(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/ws/00112233445566778899aabbccddeeff?peer=someone", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
