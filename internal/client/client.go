// Package client talks to the pairing API of a relay.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
)

// Client issues and claims tokens over HTTP. It satisfies session.Claimer.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the relay at baseURL. A nil httpClient gets a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the relay url requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IssueToken asks the relay to mint a token.
func (c *Client) IssueToken(ctx context.Context, req pairing.IssueRequest) (pairing.IssueResponse, error) {
	var out pairing.IssueResponse
	if err := c.do(ctx, http.MethodPost, "/api/tokens", req, &out); err != nil {
		return pairing.IssueResponse{}, fmt.Errorf("issue token: %w", err)
	}
	return out, nil
}

// Status reads the public state of a token.
func (c *Client) Status(ctx context.Context, id pairing.TokenID) (pairing.TokenStatus, error) {
	var out pairing.TokenStatus
	if err := c.do(ctx, http.MethodGet, "/api/tokens/"+id.String(), nil, &out); err != nil {
		return pairing.TokenStatus{}, err
	}
	return out, nil
}

// Claim settles the token for claimant. Errors carry the protoerr kind the
// relay reported, so errors.Is against protoerr.ErrAlreadyClaimed works.
func (c *Client) Claim(ctx context.Context, id pairing.TokenID, claimant pairing.Identity) (pairing.ClaimRecord, error) {
	var st pairing.TokenStatus
	if err := c.do(ctx, http.MethodPost, "/api/tokens/"+id.String()+"/claim", pairing.ClaimRequest{Claimant: claimant}, &st); err != nil {
		return pairing.ClaimRecord{}, err
	}

	rec := pairing.ClaimRecord{
		Token:     pairing.Token{ID: id, IssuedAt: st.IssuedAt, ExpiresAt: st.ExpiresAt},
		IssuedBy:  st.IssuedBy,
		ClaimedBy: claimant,
		State:     st.State,
	}
	if st.ClaimedAt != nil {
		rec.ClaimedAt = *st.ClaimedAt
	}
	return rec, nil
}

// Revoke withdraws an unclaimed token. issuer must be the identity the token
// was issued to.
func (c *Client) Revoke(ctx context.Context, id pairing.TokenID, issuer pairing.Identity) error {
	header := http.Header{}
	header.Set(pairing.IssuerHeader, string(issuer))
	return c.send(ctx, http.MethodDelete, "/api/tokens/"+id.String(), header, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	return c.send(ctx, method, path, nil, body, target)
}

func (c *Client) send(ctx context.Context, method, path string, header http.Header, body, target any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "pairchat/1.0")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return protoerr.Wrap(protoerr.KindTransport, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// decodeError rebuilds the protoerr the relay responded with.
func decodeError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&errResp)
	if errResp.Error == "" {
		errResp.Error = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}
	if errResp.Kind != "" {
		return protoerr.New(protoerr.Kind(errResp.Kind), errResp.Error)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return protoerr.New(protoerr.KindUnknownToken, errResp.Error)
	case http.StatusConflict:
		return protoerr.New(protoerr.KindAlreadyClaimed, errResp.Error)
	case http.StatusGone:
		return protoerr.New(protoerr.KindExpiredToken, errResp.Error)
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode, errResp.Error)
	}
}
