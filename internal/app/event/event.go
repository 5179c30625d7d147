/*
Package event defines the sequenced facts carried by the room broker.

An Event is immutable once appended to a room's log. Payloads are stored as raw
JSON so that the broker stays transport-agnostic; the typed payload structs in
this package describe what each kind carries.
*/
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags the variant of an Event.
type Kind string

const (
	KindMessageCreated  Kind = "message_created"
	KindMessageEdited   Kind = "message_edited"
	KindMessageDeleted  Kind = "message_deleted"
	KindReactionAdded   Kind = "reaction_added"
	KindReactionRemoved Kind = "reaction_removed"
	KindPresenceChanged Kind = "presence_changed"
	KindTypingStarted   Kind = "typing_started"
	KindTypingStopped   Kind = "typing_stopped"
)

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMessageCreated, KindMessageEdited, KindMessageDeleted,
		KindReactionAdded, KindReactionRemoved,
		KindPresenceChanged, KindTypingStarted, KindTypingStopped:
		return true
	}
	return false
}

// ClientPublishable reports whether clients may publish k directly.
// Presence and typing events are produced only by their managers.
func (k Kind) ClientPublishable() bool {
	switch k {
	case KindMessageCreated, KindMessageEdited, KindMessageDeleted,
		KindReactionAdded, KindReactionRemoved:
		return true
	}
	return false
}

// Ephemeral reports whether k describes transient state that is never archived.
func (k Kind) Ephemeral() bool {
	return k == KindTypingStarted || k == KindTypingStopped || k == KindPresenceChanged
}

// Event is one entry of a room's event log.
type Event struct {
	RoomID         string          `json:"room_id"`
	Sequence       uint64          `json:"sequence"`
	Kind           Kind            `json:"kind"`
	ProducerUserID string          `json:"producer_user_id"`
	Payload        json.RawMessage `json:"payload"`

	// CreatedAt is advisory; ordering is defined by Sequence only.
	CreatedAt time.Time `json:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload at %s#%d: %w", e.Kind, e.RoomID, e.Sequence, err)
	}
	return nil
}

// EncodePayload turns a payload value into raw JSON. Raw messages and byte
// slices holding JSON are passed through untouched.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}
