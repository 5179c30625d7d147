package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/logx"
)

// DefaultHistoryLimit caps History when the caller passes a non-positive limit.
const DefaultHistoryLimit = 5000

// Store holds room membership and the event archive.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New wraps an initialized pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: logx.Component("store")}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// IsMember reports whether userID belongs to roomID.
func (s *Store) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check membership of %s in %s: %w", userID, roomID, err)
	}
	return ok, nil
}

// AddMember grants userID access to roomID. Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`,
		roomID, userID,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to add %s to %s: %w", userID, roomID, err)
	}

	s.logger.Info().Str("room_id", roomID).Str("user_id", userID).Msg("Room member added.")
	return nil
}

// RemoveMember revokes userID's access to roomID.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", userID, roomID, err)
	}
	return nil
}

// HandleEvent records ev's sequence as the room's high-water mark and
// archives ev unless its kind is ephemeral.
func (s *Store) HandleEvent(ctx context.Context, ev event.Event) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if !ev.Kind.Ephemeral() {
			_, err := tx.Exec(ctx,
				`INSERT INTO room_events (room_id, sequence, kind, producer_user_id, payload, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				ev.RoomID, int64(ev.Sequence), string(ev.Kind), ev.ProducerUserID, []byte(ev.Payload), ev.CreatedAt,
			)
			if err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO room_sequences (room_id, last_sequence) VALUES ($1, $2)
			 ON CONFLICT (room_id) DO UPDATE
			 SET last_sequence = GREATEST(room_sequences.last_sequence, EXCLUDED.last_sequence)`,
			ev.RoomID, int64(ev.Sequence),
		)
		return err
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("sequence %s#%d already archived: %w", ev.RoomID, ev.Sequence, err)
		}
		return fmt.Errorf("failed to archive %s#%d: %w", ev.RoomID, ev.Sequence, err)
	}
	return nil
}

// LastSequence returns the highest sequence recorded for roomID, or 0 for a
// room never seen.
func (s *Store) LastSequence(ctx context.Context, roomID string) (uint64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_sequence FROM room_sequences WHERE room_id = $1`,
		roomID,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load last sequence of %s: %w", roomID, err)
	}
	return uint64(last), nil
}

// History returns up to limit of the most recent archived events of roomID,
// in sequence order.
func (s *Store) History(ctx context.Context, roomID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT room_id, sequence, kind, producer_user_id, payload, created_at
		 FROM room_events WHERE room_id = $1 ORDER BY sequence DESC LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", roomID, err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (event.Event, error) {
		var (
			ev      event.Event
			seq     int64
			kind    string
			payload []byte
		)
		if err := row.Scan(&ev.RoomID, &seq, &kind, &ev.ProducerUserID, &payload, &ev.CreatedAt); err != nil {
			return event.Event{}, err
		}
		ev.Sequence = uint64(seq)
		ev.Kind = event.Kind(kind)
		ev.Payload = payload
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", roomID, err)
	}

	slices.Reverse(events)
	return events, nil
}
