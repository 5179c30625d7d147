package mirror

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/app/event"
	"roomcast/internal/app/presence"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "roomcast.rooms.R1.events", Subject("R1"))
}

func TestEventMirrorPublishes(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}

	m, err := NewEventMirror(url)
	require.NoError(t, err)
	defer m.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	defer nc.Close()

	room := "r" + uuid.NewString()[:8]
	sub, err := nc.SubscribeSync(Subject(room))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	ev := event.Event{RoomID: room, Sequence: 7, Kind: event.KindReactionAdded, ProducerUserID: "U1", Payload: json.RawMessage(`{"message_id":"m","emoji":"x"}`)}
	require.NoError(t, m.HandleEvent(context.Background(), ev))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got event.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, event.KindReactionAdded, got.Kind)
}

func TestPresenceMirrorRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	m, err := NewPresenceMirror(ctx, url)
	if err != nil {
		t.Skipf("Redis not available at %s: %v", url, err)
	}
	defer m.Close()

	user := "U-" + uuid.NewString()
	defer m.client.HDel(ctx, m.key, user)

	st, err := m.LoadPresence(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOffline, st.Status)

	since := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, m.SavePresence(ctx, user, presence.State{Status: presence.StatusBusy, Since: since}))

	st, err = m.LoadPresence(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, presence.StatusBusy, st.Status)
	assert.True(t, since.Equal(st.Since))
}
