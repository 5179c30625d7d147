/*
Package errs provides custom error types and application-level error code constants.

These error codes identify broker, presence and request failures both inside
the server and in the frames and JSON bodies sent to clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request or frame parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body or frame is not valid JSON.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRequestEntityTooLarge indicates that the request body size exceeded the server limit.
	ErrRequestEntityTooLarge = 1006

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Room Broker and Delivery Errors
const (
	// ErrNotFound indicates an unknown connection, room or user.
	ErrNotFound = 2101

	// ErrForbidden indicates that the room membership check failed.
	ErrForbidden = 2102

	// ErrGapTooLarge indicates that a replay was requested from a point the
	// retention horizon no longer covers. The client must resync from the store.
	ErrGapTooLarge = 2103

	// ErrQueueOverflow indicates that a subscriber fell too far behind and was disconnected.
	ErrQueueOverflow = 2104

	// ErrDuplicateSequence indicates a sequencing invariant violation. The room stops accepting appends.
	ErrDuplicateSequence = 2105

	// ErrNotJoined indicates that the connection tried to act on a room it has not joined.
	ErrNotJoined = 2106

	// ErrMessageContentTooLong indicates that the message content exceeded the maximum length limit.
	ErrMessageContentTooLong = 2201

	// ErrAttachmentInvalid indicates an attachment with a foreign key prefix or disallowed type.
	ErrAttachmentInvalid = 2202

	// ErrFileSizeTooLarge indicates that the declared attachment size exceeded the limit.
	ErrFileSizeTooLarge = 2203

	// ErrUnknownEventKind indicates an event kind outside the enumeration.
	ErrUnknownEventKind = 2204
)

// 3xxx: Identity, Session and Presence Errors
const (
	// ErrUnauthorized indicates a missing or invalid identity token.
	ErrUnauthorized = 3001

	// ErrInvalidStatus indicates a presence value outside online, away, busy and offline.
	ErrInvalidStatus = 3101
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrFileStorageFailed indicates the attachment storage collaborator failed.
	ErrFileStorageFailed = 5001

	// ErrStoreUnavailable indicates the durable store is not configured or failed.
	ErrStoreUnavailable = 5002
)
