package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/pairchat/internal/config"
	"github.com/zhouzirui/pairchat/internal/handler"
	"github.com/zhouzirui/pairchat/internal/handler/pairing"
	"github.com/zhouzirui/pairchat/internal/handler/relay"
	"github.com/zhouzirui/pairchat/internal/middleware"
	model "github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/observability"
	pairingService "github.com/zhouzirui/pairchat/internal/service/pairing"
	relayService "github.com/zhouzirui/pairchat/internal/service/relay"
	"github.com/zhouzirui/pairchat/internal/service/token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.InitLogger("pairchat-relay", "info", "console")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.InitLogger("pairchat-relay", cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	registry := pairingService.NewRegistry(pairingService.Options{
		MaxPending: cfg.Pairing.MaxPending,
		MaxOpen:    cfg.Pairing.MaxOpen,
		Retention:  cfg.Pairing.Retention,
	}, logger)
	pairings := relayService.NewPairings(registry)
	hub := relayService.NewHub(pairings, relayService.Options{
		WriteTimeout: relayService.DefaultOptions().WriteTimeout,
		MaxRooms:     cfg.Relay.MaxRooms,
	}, logger)

	// 令牌过期或撤销后被清理时，断开仍在等待的发起方。
	registry.OnSettle = func(rec model.ClaimRecord) {
		if rec.State == model.ClaimClaimed {
			return
		}
		id := rec.Token.SessionID()
		if n := hub.CloseRoom(id); n > 0 {
			logger.Info().Str("token", rec.Token.ID.Short()).Str("state", rec.State.String()).Int("peers", n).Msg("closed unclaimed room")
		}
		pairings.Forget(id)
	}

	limiter := middleware.NewRateLimiter(cfg.Pairing.RateLimit, cfg.Pairing.RateBurst)

	go registry.Run(ctx, cfg.Pairing.SweepInterval)
	go maintain(ctx, cfg, pairings, hub, limiter, logger)

	router := handler.NewRouter(handler.Deps{
		Codec:    token.New(cfg.Server.PublicURL),
		Registry: registry,
		Hub:      hub,
		Limiter:  limiter,
		Pairing: pairing.Options{
			DefaultValidity: cfg.Pairing.TokenValidity,
			MaxValidity:     cfg.Pairing.MaxValidity,
		},
		Relay: relay.Options{
			ReadTimeout:  cfg.Relay.ReadTimeout,
			PingInterval: cfg.Relay.PingInterval,
			MaxFrameSize: cfg.Relay.MaxFrameSize,
		},
		Logger: logger,
	})

	startServer(ctx, cfg.Server, router, logger)

	hub.CloseAll()
	registry.Clear()
}

// maintain drops idle relay state that the registry sweep does not cover.
func maintain(ctx context.Context, cfg *config.Config, pairings *relayService.Pairings, hub *relayService.Hub, limiter *middleware.RateLimiter, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			forgotten := pairings.Prune(cfg.Relay.PruneIdle, hub.HasRoom)
			limiters := limiter.Prune()
			if forgotten > 0 || limiters > 0 {
				logger.Debug().Int("pairings", forgotten).Int("limiters", limiters).Msg("relay state pruned")
			}
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Str("public_url", serverCfg.PublicURL).Msg("pairchat relay listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
