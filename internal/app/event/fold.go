package event

import (
	"sort"
	"time"
)

// MessageState is the folded view of one message.
type MessageState struct {
	ID          string          `json:"id"`
	RoomID      string          `json:"room_id"`
	AuthorID    string          `json:"author_id"`
	Content     string          `json:"content"`
	Type        MessageType     `json:"type"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Edited      bool            `json:"is_edited"`
	Deleted     bool            `json:"is_deleted"`
	Sequence    uint64          `json:"sequence"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Reactions   []ReactionState `json:"reactions,omitempty"`
}

// ReactionState is one (user, emoji) reaction on a message.
type ReactionState struct {
	UserID   string    `json:"user_id"`
	Emoji    string    `json:"emoji"`
	Sequence uint64    `json:"sequence"`
	AddedAt  time.Time `json:"added_at"`

	rank int
}

// ReactionGroup aggregates reactions sharing an emoji.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// GroupReactions groups reactions by emoji, ordered by each emoji's first use.
func (m MessageState) GroupReactions() []ReactionGroup {
	var groups []ReactionGroup
	index := make(map[string]int)

	for _, r := range m.Reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Users = append(groups[i].Users, r.UserID)
	}

	return groups
}

type reactionKey struct {
	user  string
	emoji string
}

type messageEntry struct {
	state     MessageState
	reactions map[reactionKey]ReactionState
}

// Projection is a read-side fold of message events. It holds no broker state.
type Projection struct {
	messages map[string]*messageEntry
	order    []string
	applied  int
}

// NewProjection returns an empty projection.
func NewProjection() *Projection {
	return &Projection{messages: make(map[string]*messageEntry)}
}

// Fold applies events in slice order and returns the resulting projection.
func Fold(events []Event) *Projection {
	p := NewProjection()
	for _, ev := range events {
		p.Apply(ev)
	}
	return p
}

// Apply folds a single event. Rules:
//   - message_created is first-write per message id.
//   - message_edited and message_deleted are last-writer-wins from the author;
//     a deleted message stays deleted.
//   - reactions are first-write per (message, user, emoji); removal clears the key.
//
// Events that do not decode, or that reference unknown messages, are ignored.
func (p *Projection) Apply(ev Event) {
	p.applied++

	switch ev.Kind {
	case KindMessageCreated:
		var c MessageCreated
		if ev.Decode(&c) != nil || c.MessageID == "" {
			return
		}
		if _, exists := p.messages[c.MessageID]; exists {
			return
		}
		p.messages[c.MessageID] = &messageEntry{
			state: MessageState{
				ID:          c.MessageID,
				RoomID:      ev.RoomID,
				AuthorID:    ev.ProducerUserID,
				Content:     c.Content,
				Type:        c.Type,
				ReplyTo:     c.ReplyTo,
				Attachments: c.Attachments,
				Sequence:    ev.Sequence,
				CreatedAt:   ev.CreatedAt,
				UpdatedAt:   ev.CreatedAt,
			},
			reactions: make(map[reactionKey]ReactionState),
		}
		p.order = append(p.order, c.MessageID)

	case KindMessageEdited:
		var e MessageEdited
		if ev.Decode(&e) != nil {
			return
		}
		m := p.authored(e.MessageID, ev.ProducerUserID)
		if m == nil || m.state.Deleted {
			return
		}
		m.state.Content = e.Content
		m.state.Edited = true
		m.state.UpdatedAt = ev.CreatedAt

	case KindMessageDeleted:
		var d MessageDeleted
		if ev.Decode(&d) != nil {
			return
		}
		m := p.authored(d.MessageID, ev.ProducerUserID)
		if m == nil {
			return
		}
		m.state.Deleted = true
		m.state.Content = ""
		m.state.Attachments = nil
		m.state.UpdatedAt = ev.CreatedAt

	case KindReactionAdded:
		var r Reaction
		if ev.Decode(&r) != nil {
			return
		}
		m, ok := p.messages[r.MessageID]
		if !ok {
			return
		}
		key := reactionKey{user: ev.ProducerUserID, emoji: r.Emoji}
		if _, exists := m.reactions[key]; exists {
			return
		}
		m.reactions[key] = ReactionState{
			UserID:   ev.ProducerUserID,
			Emoji:    r.Emoji,
			Sequence: ev.Sequence,
			AddedAt:  ev.CreatedAt,
			rank:     p.applied,
		}

	case KindReactionRemoved:
		var r Reaction
		if ev.Decode(&r) != nil {
			return
		}
		if m, ok := p.messages[r.MessageID]; ok {
			delete(m.reactions, reactionKey{user: ev.ProducerUserID, emoji: r.Emoji})
		}
	}
}

func (p *Projection) authored(messageID, producer string) *messageEntry {
	m, ok := p.messages[messageID]
	if !ok || m.state.AuthorID != producer {
		return nil
	}
	return m
}

// Message returns the folded state of one message.
func (p *Projection) Message(id string) (MessageState, bool) {
	m, ok := p.messages[id]
	if !ok {
		return MessageState{}, false
	}
	return m.snapshot(), true
}

// Messages returns every message in creation order.
func (p *Projection) Messages() []MessageState {
	out := make([]MessageState, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.messages[id].snapshot())
	}
	return out
}

func (m *messageEntry) snapshot() MessageState {
	st := m.state
	st.Reactions = make([]ReactionState, 0, len(m.reactions))
	for _, r := range m.reactions {
		st.Reactions = append(st.Reactions, r)
	}
	sort.Slice(st.Reactions, func(i, j int) bool {
		return st.Reactions[i].rank < st.Reactions[j].rank
	})
	return st
}
