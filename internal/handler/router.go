package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/pairchat/internal/handler/pairing"
	"github.com/zhouzirui/pairchat/internal/handler/relay"
	middlewarePkg "github.com/zhouzirui/pairchat/internal/middleware"
	pairingService "github.com/zhouzirui/pairchat/internal/service/pairing"
	relayService "github.com/zhouzirui/pairchat/internal/service/relay"
	"github.com/zhouzirui/pairchat/internal/service/token"
	"github.com/zhouzirui/pairchat/pkg/utils"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Codec    *token.Codec
	Registry *pairingService.Registry
	Hub      *relayService.Hub
	Limiter  *middlewarePkg.RateLimiter
	Pairing  pairing.Options
	Relay    relay.Options
	Logger   zerolog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	pairingHandler := pairing.New(deps.Codec, deps.Registry, deps.Hub, deps.Pairing)
	wsHandler := relay.NewWebSocketHandler(deps.Hub, deps.Relay, deps.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"pending": deps.Registry.Pending(),
			"rooms":   deps.Hub.Rooms(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		if deps.Limiter != nil {
			api.Use(deps.Limiter.Handler)
		}
		pairingHandler.RegisterRoutes(api)
	})

	// The relay socket is not rate limited: reconnects must always get through.
	wsHandler.RegisterWebSocketRoutes(r)

	return r
}
