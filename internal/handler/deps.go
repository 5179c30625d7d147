package handler

import (
	"context"

	"roomcast/internal/app/chat"
	"roomcast/internal/app/event"
	"roomcast/internal/app/presence"
	"roomcast/internal/app/storage"
	"roomcast/internal/configs"
)

// Archive is the durable event history used for full resync.
type Archive interface {
	History(ctx context.Context, roomID string, limit int) ([]event.Event, error)
	LastSequence(ctx context.Context, roomID string) (uint64, error)
	Ping(ctx context.Context) error
}

// Members grants and revokes room membership.
type Members interface {
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
}

// PresenceSource reads presence recorded by other instances.
type PresenceSource interface {
	LoadPresence(ctx context.Context, userID string) (presence.State, error)
}

// AppDeps carries what the handlers need. Everything but Service and Config
// is nil when its backend is not configured.
type AppDeps struct {
	Service  *chat.Service
	Config   *configs.AppConfig
	Storage  storage.StorageService
	Archive  Archive
	Members  Members
	Presence PresenceSource
}
