/*
Package randx provides identifier generation and validation helpers.

Room identifiers are owned by the external store; the server only checks that
they are well formed before using them as map keys, log fields, storage key
prefixes and NATS subject tokens.
*/
package randx

import "github.com/google/uuid"

// MaxRoomIDLength bounds room identifiers.
const MaxRoomIDLength = 64

// MessageID generates a standard UUID v4 string to serve as a unique identifier for a message.
func MessageID() string {
	return uuid.New().String()
}

// IsValidRoomID reports whether id is non-empty, at most MaxRoomIDLength long
// and made of ASCII letters, digits, '-' and '_'. Such ids are safe as storage
// key prefixes and as a single NATS subject token.
func IsValidRoomID(id string) bool {
	if id == "" || len(id) > MaxRoomIDLength {
		return false
	}

	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
		default:
			return false
		}
	}

	return true
}
