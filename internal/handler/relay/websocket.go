package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
	relaysvc "github.com/zhouzirui/pairchat/internal/service/relay"
	"github.com/zhouzirui/pairchat/pkg/utils"
)

// Options WebSocket中继配置
type Options struct {
	ReadTimeout  time.Duration // 读取超时，收到帧或pong时续期
	PingInterval time.Duration // Ping间隔
	MaxFrameSize int64         // 单帧上限
}

// DefaultOptions 默认中继配置
func DefaultOptions() Options {
	return Options{
		ReadTimeout:  60 * time.Second,
		PingInterval: 54 * time.Second,
		MaxFrameSize: 128 * 1024,
	}
}

// WebSocketHandler WebSocket中继处理器
type WebSocketHandler struct {
	hub      *relaysvc.Hub
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *relaysvc.Hub, opts Options, logger zerolog.Logger) *WebSocketHandler {
	d := DefaultOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = d.ReadTimeout
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.ReadTimeout {
		opts.PingInterval = opts.ReadTimeout * 9 / 10
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = d.MaxFrameSize
	}
	return &WebSocketHandler{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	peer := pairing.Identity(r.URL.Query().Get("peer"))
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	if err := h.hub.Admit(sessionID, peer); err != nil {
		if errors.Is(err, relaysvc.ErrNotParticipant) {
			utils.RespondError(w, http.StatusForbidden, err.Error())
			return
		}
		utils.RespondProtoError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.opts.MaxFrameSize)

	member, err := h.hub.Join(sessionID, peer, conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}
	defer h.hub.Leave(member)

	log := h.logger.With().Str("session", shortID(sessionID)).Logger()
	log.Info().Msg("peer connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(ctx, conn)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("read error")
			}
			log.Info().Msg("peer disconnected")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if !h.hub.Forward(member, data) {
			log.Debug().Int("bytes", len(data)).Msg("peer absent, frame dropped")
		}
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
