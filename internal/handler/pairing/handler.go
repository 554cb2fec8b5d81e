package pairing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	model "github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
	svc "github.com/zhouzirui/pairchat/internal/service/pairing"
	"github.com/zhouzirui/pairchat/internal/service/token"
	"github.com/zhouzirui/pairchat/pkg/utils"
)

const (
	minQRSize = 128
	maxQRSize = 1024
)

// RoomCloser 在令牌撤销时断开中继房间
type RoomCloser interface {
	CloseRoom(sessionID string) int
}

// Options 令牌接口配置
type Options struct {
	DefaultValidity time.Duration
	MaxValidity     time.Duration
}

// Handler 配对令牌的HTTP处理器
type Handler struct {
	codec    *token.Codec
	registry *svc.Registry
	rooms    RoomCloser
	opts     Options
}

// New 创建配对处理器，rooms 可以为空
func New(codec *token.Codec, registry *svc.Registry, rooms RoomCloser, opts Options) *Handler {
	if opts.DefaultValidity <= 0 {
		opts.DefaultValidity = 2 * time.Minute
	}
	if opts.MaxValidity < opts.DefaultValidity {
		opts.MaxValidity = opts.DefaultValidity
	}
	return &Handler{codec: codec, registry: registry, rooms: rooms, opts: opts}
}

// RegisterRoutes 注册配对相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/tokens", h.handleIssue)
	r.Route("/tokens/{tokenID}", func(r chi.Router) {
		r.Get("/", h.handleStatus)
		r.Get("/qr.png", h.handleQRCode)
		r.Post("/claim", h.handleClaim)
		r.Delete("/", h.handleRevoke)
	})
}

// handleIssue 签发令牌并登记
func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var payload model.IssueRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	validity := h.opts.DefaultValidity
	if payload.ValiditySeconds != 0 {
		validity = time.Duration(payload.ValiditySeconds) * time.Second
	}
	if validity <= 0 || validity > h.opts.MaxValidity {
		utils.RespondError(w, http.StatusBadRequest, fmt.Sprintf("validitySeconds must be between 1 and %d", int(h.opts.MaxValidity/time.Second)))
		return
	}

	issuer := payload.Issuer
	if issuer == "" {
		issuer = model.NewIdentity()
	}

	tok, err := h.codec.Issue(validity)
	if err != nil {
		utils.RespondProtoError(w, err)
		return
	}
	if _, err := h.registry.IssueAndTrackFor(issuer, tok); err != nil {
		utils.RespondProtoError(w, err)
		return
	}
	text, err := token.EncodeText(tok)
	if err != nil {
		utils.RespondProtoError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, model.IssueResponse{
		ID:        tok.ID.String(),
		Token:     text,
		Issuer:    issuer,
		Endpoint:  tok.IssuerEndpoint,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
		QRCodeURL: "/api/tokens/" + tok.ID.String() + "/qr.png",
	})
}

// handleStatus 查询令牌状态
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, rec.Status())
}

// handleQRCode 返回令牌二维码
func (h *Handler) handleQRCode(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if rec.State != model.ClaimOpen {
		utils.RespondError(w, http.StatusGone, "token is "+rec.State.String())
		return
	}

	size := token.DefaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minQRSize || n > maxQRSize {
			utils.RespondError(w, http.StatusBadRequest, fmt.Sprintf("size must be between %d and %d", minQRSize, maxQRSize))
			return
		}
		size = n
	}

	png, err := token.QRCodePNG(rec.Token, size)
	if err != nil {
		utils.RespondProtoError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// handleClaim 认领令牌，只有第一个请求成功
func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var payload model.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Claimant == "" {
		utils.RespondError(w, http.StatusBadRequest, "claimant is required")
		return
	}

	rec, err := h.registry.Claim(r.Context(), id, payload.Claimant)
	if err != nil {
		utils.RespondProtoError(w, err)
		return
	}
	status := rec.Status()
	status.IssuedBy = rec.IssuedBy
	utils.RespondJSON(w, http.StatusOK, status)
}

// handleRevoke 撤销尚未认领的令牌，只有签发方可以撤销
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	issuer := model.Identity(r.Header.Get(model.IssuerHeader))
	if issuer == "" {
		utils.RespondError(w, http.StatusBadRequest, model.IssuerHeader+" header is required")
		return
	}
	if err := h.registry.RevokeBy(id, issuer); err != nil {
		utils.RespondProtoError(w, err)
		return
	}
	if h.rooms != nil {
		h.rooms.CloseRoom(id.String())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (model.ClaimRecord, bool) {
	id, ok := parseID(w, r)
	if !ok {
		return model.ClaimRecord{}, false
	}
	rec, found := h.registry.Get(id)
	if !found {
		utils.RespondProtoError(w, protoerr.Newf(protoerr.KindUnknownToken, "token %s not found", id.Short()))
		return model.ClaimRecord{}, false
	}
	return rec, true
}

func parseID(w http.ResponseWriter, r *http.Request) (model.TokenID, bool) {
	id, err := model.ParseTokenID(chi.URLParam(r, "tokenID"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return model.TokenID{}, false
	}
	return id, true
}
