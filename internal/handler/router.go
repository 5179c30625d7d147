/*
Package handler provides the HTTP handlers and routing setup for the roomcast server.

This file defines the main Router, applying necessary middleware like logging, CORS,
and IP-based rate limiting before delegating requests to specific handlers (API and WebSocket).
*/
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"roomcast/internal/pkg/auth/jwt"
	"roomcast/internal/pkg/limiter"
	"roomcast/internal/pkg/logx"
	"roomcast/internal/pkg/resp"
)

const (
	UpgradeRate  = 0.5
	UpgradeBurst = 10
	APIRate      = 5
	APIBurst     = 20
)

// Router sets up the main HTTP routing table (chi.Router) for the application.
// The rate limiters' cleanup goroutines stop when ctx is done.
func Router(ctx context.Context, deps *AppDeps) http.Handler {
	upgradeLimiter := limiter.NewIPRateLimiter(ctx, rate.Limit(UpgradeRate), UpgradeBurst)
	apiLimiter := limiter.NewIPRateLimiter(ctx, rate.Limit(APIRate), APIBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", HandleHealth(deps))

	r.Route("/api", func(api chi.Router) {
		api.Use(apiLimiter.Middleware)
		api.Use(jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret))
		api.Use(jwt.RequireIdentity)
		api.Use(middleware.Timeout(15 * time.Second))

		api.Route("/rooms/{roomID}", func(room chi.Router) {
			room.Get("/events", HandleReplay(deps))
			room.Get("/snapshot", HandleSnapshot(deps))
			room.Get("/typing", HandleTyping(deps))
			room.Post("/members", HandleJoinMembership(deps))
			room.Delete("/members", HandleLeaveMembership(deps))
		})

		api.Get("/presence/{userID}", HandlePresence(deps))

		api.Post("/files/presign-upload", HandlePresignUploadURL(deps))
		api.Get("/files/presign-download", HandlePresignDownloadURL(deps))
	})

	r.With(jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret)).
		Get("/ws", HandleWebSocket(deps, wsUpgrader, upgradeLimiter))

	return r
}

// HandleHealth reports liveness along with broker load.
func HandleHealth(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"status":  "ok",
			"service": "roomcast",
			"stats":   deps.Service.Stats(),
		}

		if deps.Archive != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Archive.Ping(ctx); err != nil {
				logx.Warn("Health check: archive unreachable.", "error", err.Error())
				data["status"] = "degraded"
			}
		}

		resp.RespondSuccess(w, r, data)
	}
}
