package randx

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMessageID(t *testing.T) {
	_, err := uuid.Parse(MessageID())
	assert.NoError(t, err)
	assert.NotEqual(t, MessageID(), MessageID())
}

func TestIsValidRoomID(t *testing.T) {
	valid := []string{"R1", "general", "team-42_chat", strings.Repeat("a", MaxRoomIDLength)}
	for _, id := range valid {
		assert.True(t, IsValidRoomID(id), id)
	}

	invalid := []string{"", "a.b", "a/b", "a b", "room*", "héllo", strings.Repeat("a", MaxRoomIDLength+1)}
	for _, id := range invalid {
		assert.False(t, IsValidRoomID(id), id)
	}
}
