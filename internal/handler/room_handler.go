package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/auth/jwt"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
	"roomcast/internal/pkg/randx"
	"roomcast/internal/pkg/req"
	"roomcast/internal/pkg/resp"
)

// ReplayResponse is the body of a successful replay.
type ReplayResponse struct {
	RoomID string        `json:"room_id"`
	Events []event.Event `json:"events"`
	Head   uint64        `json:"head"`
}

// SnapshotResponse is the folded message state of a room.
type SnapshotResponse struct {
	RoomID   string               `json:"room_id"`
	Source   string               `json:"source"`
	Head     uint64               `json:"head"`
	Messages []event.MessageState `json:"messages"`
}

func roomParam(r *http.Request) (string, *errs.CustomError) {
	roomID := chi.URLParam(r, "roomID")
	if !randx.IsValidRoomID(roomID) {
		return "", errs.NewError(errs.ErrInvalidParams)
	}
	return roomID, nil
}

// HandleReplay returns the retained events of a room after the "after" cursor.
func HandleReplay(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := jwt.GetPayloadFromContext(r)

		roomID, customErr := roomParam(r)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		after, customErr := req.QueryUint(r, "after", 0)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		events, err := deps.Service.Replay(r.Context(), payload.ID, roomID, after)
		if err != nil {
			resp.RespondError(w, r, errs.From(err))
			return
		}

		_, head := deps.Service.Head(roomID)
		resp.RespondSuccess(w, r, ReplayResponse{RoomID: roomID, Events: events, Head: head})
	}
}

// historyTimeout bounds one shared archive load.
const historyTimeout = 10 * time.Second

type archiveSnapshot struct {
	head   uint64
	events []event.Event
}

// loadArchive reads the archive's head before its history so the events can
// be cut at a head they are guaranteed to cover.
func loadArchive(ctx context.Context, archive Archive, roomID string) (archiveSnapshot, error) {
	head, err := archive.LastSequence(ctx, roomID)
	if err != nil {
		return archiveSnapshot{}, err
	}

	events, err := archive.History(ctx, roomID, 0)
	if err != nil {
		return archiveSnapshot{}, err
	}

	return archiveSnapshot{head: head, events: upTo(events, head)}, nil
}

// upTo drops events after head.
func upTo(events []event.Event, head uint64) []event.Event {
	for i, ev := range events {
		if ev.Sequence > head {
			return events[:i]
		}
	}
	return events
}

// HandleSnapshot folds the archived history of a room into message state.
// Without an archive the retained in-memory log is folded instead. Head is the
// last sequence the folded state covers, so resuming from it misses nothing.
// Concurrent resyncs of one room share a single archive query.
func HandleSnapshot(deps *AppDeps) http.HandlerFunc {
	var loads singleflight.Group

	return func(w http.ResponseWriter, r *http.Request) {
		payload := jwt.GetPayloadFromContext(r)

		roomID, customErr := roomParam(r)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if err := deps.Service.Authorize(r.Context(), payload.ID, roomID); err != nil {
			resp.RespondError(w, r, errs.From(err))
			return
		}

		var (
			events []event.Event
			head   uint64
			source string
		)
		if deps.Archive != nil {
			source = "archive"

			flushCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			if err := deps.Service.Flush(flushCtx); err != nil {
				logx.Warn("Archive is behind the live log.", "room_id", roomID, "error", err.Error())
			}
			cancel()

			v, err, _ := loads.Do(roomID, func() (any, error) {
				// Shared by every waiter, so one caller going away must not cancel it.
				ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), historyTimeout)
				defer cancel()
				return loadArchive(ctx, deps.Archive, roomID)
			})
			if err != nil {
				logx.Error(err, "Failed to load room history.", "room_id", roomID)
				resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
				return
			}
			snap := v.(archiveSnapshot)
			events, head = snap.events, snap.head
		} else {
			source = "log"

			var first uint64
			first, head = deps.Service.Head(roomID)
			replayed, err := deps.Service.Replay(r.Context(), payload.ID, roomID, first-1)
			if err != nil {
				resp.RespondError(w, r, errs.From(err))
				return
			}
			events = upTo(replayed, head)
		}

		resp.RespondSuccess(w, r, SnapshotResponse{
			RoomID:   roomID,
			Source:   source,
			Head:     head,
			Messages: event.Fold(events).Messages(),
		})
	}
}

// MembershipResponse confirms a membership change.
type MembershipResponse struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Member bool   `json:"member"`
}

// HandleJoinMembership makes the caller a member of the room.
func HandleJoinMembership(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := jwt.GetPayloadFromContext(r)

		roomID, customErr := roomParam(r)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if deps.Members == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
			return
		}

		if err := deps.Members.AddMember(r.Context(), roomID, payload.ID); err != nil {
			logx.Error(err, "Failed to add room member.", "room_id", roomID, "user_id", payload.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
			return
		}

		resp.RespondSuccess(w, r, MembershipResponse{RoomID: roomID, UserID: payload.ID, Member: true})
	}
}

// HandleLeaveMembership revokes the caller's membership and removes their
// live connections from the room.
func HandleLeaveMembership(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := jwt.GetPayloadFromContext(r)

		roomID, customErr := roomParam(r)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if deps.Members == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
			return
		}

		if err := deps.Members.RemoveMember(r.Context(), roomID, payload.ID); err != nil {
			logx.Error(err, "Failed to remove room member.", "room_id", roomID, "user_id", payload.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
			return
		}
		deps.Service.RevokeMember(roomID, payload.ID)

		resp.RespondSuccess(w, r, MembershipResponse{RoomID: roomID, UserID: payload.ID, Member: false})
	}
}

// HandleTyping lists the users currently typing in a room.
func HandleTyping(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := jwt.GetPayloadFromContext(r)

		roomID, customErr := roomParam(r)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if err := deps.Service.Authorize(r.Context(), payload.ID, roomID); err != nil {
			resp.RespondError(w, r, errs.From(err))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"room_id": roomID,
			"users":   deps.Service.Typing(roomID),
		})
	}
}

// HandlePresence returns a user's current presence.
func HandlePresence(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if userID == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		st := deps.Service.Status(userID)
		// Never seen here; the user may be connected to another instance.
		if st.Since.IsZero() && deps.Presence != nil {
			remote, err := deps.Presence.LoadPresence(r.Context(), userID)
			if err != nil {
				logx.Warn("Failed to read mirrored presence.", "user_id", userID, "error", err.Error())
			} else {
				st = remote
			}
		}

		resp.RespondSuccess(w, r, map[string]any{
			"user_id": userID,
			"status":  st.Status,
			"since":   st.Since,
		})
	}
}
