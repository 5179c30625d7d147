/*
Package mirror copies broker state to external systems so other processes can
follow it: appended events go out on NATS subjects and presence lands in a
Redis hash. Neither mirror is on the delivery path for local subscribers.
*/
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/logx"
)

// SubjectPrefix is the root of every mirrored event subject.
const SubjectPrefix = "roomcast.rooms"

// Subject returns the NATS subject events of roomID are published on.
func Subject(roomID string) string {
	return fmt.Sprintf("%s.%s.events", SubjectPrefix, roomID)
}

// EventMirror publishes every appended event to NATS.
type EventMirror struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewEventMirror connects to the NATS server at url.
func NewEventMirror(url string) (*EventMirror, error) {
	logger := logx.Component("mirror.nats")

	nc, err := nats.Connect(url,
		nats.Name("roomcast"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS.")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS.")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &EventMirror{nc: nc, logger: logger}, nil
}

// HandleEvent publishes ev as JSON on its room subject.
func (m *EventMirror) HandleEvent(_ context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s#%d: %w", ev.RoomID, ev.Sequence, err)
	}
	if err := m.nc.Publish(Subject(ev.RoomID), data); err != nil {
		return fmt.Errorf("failed to publish %s#%d: %w", ev.RoomID, ev.Sequence, err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (m *EventMirror) Close() {
	if err := m.nc.Drain(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to drain NATS connection.")
		m.nc.Close()
	}
}
