package event

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"roomcast/internal/pkg/errs"
)

const (
	// MaxContentBytes is the maximum size of message content.
	MaxContentBytes = 5000

	// MaxEmojiRunes bounds a reaction key.
	MaxEmojiRunes = 16

	// MaxAttachmentsCount is the maximum number of attachments per message.
	MaxAttachmentsCount = 3
)

// MessageType mirrors the content types a chat message may have.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageAudio  MessageType = "audio"
	MessageVideo  MessageType = "video"
	MessageSystem MessageType = "system"
)

func (t MessageType) valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo, MessageSystem:
		return true
	}
	return false
}

// Attachment references an object in attachment storage.
type Attachment struct {
	Key      string `json:"file_key"`
	Name     string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"file_size"`
}

// MessageCreated is the payload of KindMessageCreated.
type MessageCreated struct {
	MessageID   string       `json:"message_id"`
	Content     string       `json:"content"`
	Type        MessageType  `json:"type"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageEdited is the payload of KindMessageEdited.
type MessageEdited struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// MessageDeleted is the payload of KindMessageDeleted.
type MessageDeleted struct {
	MessageID string `json:"message_id"`
}

// Reaction is the payload of KindReactionAdded and KindReactionRemoved.
type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// PresenceChanged is the payload of KindPresenceChanged.
type PresenceChanged struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	Previous string `json:"previous"`
}

// Typing is the payload of KindTypingStarted and KindTypingStopped.
type Typing struct {
	UserID string `json:"user_id"`
}

// NormalizeClientPayload validates a client-supplied payload for kind and
// returns the canonical JSON to publish. newID supplies message ids for
// message_created payloads that arrive without one.
func NormalizeClientPayload(kind Kind, raw json.RawMessage, newID func() string) (json.RawMessage, *errs.CustomError) {
	if !kind.ClientPublishable() {
		return nil, errs.NewError(errs.ErrUnknownEventKind, string(kind))
	}

	switch kind {
	case KindMessageCreated:
		var p MessageCreated
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errs.NewError(errs.ErrInvalidJSONFormat)
		}
		if p.Type == "" {
			p.Type = MessageText
		}
		if !p.Type.valid() || p.Type == MessageSystem {
			return nil, errs.NewError(errs.ErrInvalidParams)
		}
		if len(p.Content) > MaxContentBytes {
			return nil, errs.NewError(errs.ErrMessageContentTooLong)
		}
		if strings.TrimSpace(p.Content) == "" && len(p.Attachments) == 0 {
			return nil, errs.NewError(errs.ErrInvalidParams)
		}
		if len(p.Attachments) > MaxAttachmentsCount {
			return nil, errs.NewError(errs.ErrAttachmentInvalid)
		}
		if p.MessageID == "" {
			p.MessageID = newID()
		}
		return marshalCanonical(p)

	case KindMessageEdited:
		var p MessageEdited
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errs.NewError(errs.ErrInvalidJSONFormat)
		}
		if p.MessageID == "" || strings.TrimSpace(p.Content) == "" {
			return nil, errs.NewError(errs.ErrInvalidParams)
		}
		if len(p.Content) > MaxContentBytes {
			return nil, errs.NewError(errs.ErrMessageContentTooLong)
		}
		return marshalCanonical(p)

	case KindMessageDeleted:
		var p MessageDeleted
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errs.NewError(errs.ErrInvalidJSONFormat)
		}
		if p.MessageID == "" {
			return nil, errs.NewError(errs.ErrInvalidParams)
		}
		return marshalCanonical(p)

	default: // reactions
		var p Reaction
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errs.NewError(errs.ErrInvalidJSONFormat)
		}
		n := utf8.RuneCountInString(p.Emoji)
		if p.MessageID == "" || n == 0 || n > MaxEmojiRunes {
			return nil, errs.NewError(errs.ErrInvalidParams)
		}
		return marshalCanonical(p)
	}
}

func marshalCanonical(v any) (json.RawMessage, *errs.CustomError) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.NewError(errs.ErrUnknown, err)
	}
	return raw, nil
}
