package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"roomcast/internal/app/chat"
	"roomcast/internal/pkg/auth/jwt"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/limiter"
	"roomcast/internal/pkg/logx"
	"roomcast/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
// Rooms are joined over the socket, not at upgrade time.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := limiter.ClientIP(r)
		if !rateLimiter.Allow(ip) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", logx.AnonymizeIP(ip))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		payload := jwt.GetPayloadFromContext(r)
		if payload == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		client := chat.NewClient(deps.Service, conn, chat.Identity{
			UserID:    payload.ID,
			Nickname:  payload.Nickname,
			ExpiresAt: payload.Expiry(),
		})

		if err := client.Start(r.Context()); err != nil {
			logx.Error(err, "Failed to register WebSocket client", "user_id", payload.ID)
			_ = conn.Close()
			return
		}

		go client.WritePump()

		client.ReadPump()
	}
}
