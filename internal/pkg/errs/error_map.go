/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to the CustomError struct, used to standardize
HTTP responses, WebSocket error frames and internal error handling.
*/
package errs

import "net/http"

// errorMap stores the detailed CustomError struct corresponding to every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:         {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType:  {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:     {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:    {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrRequestEntityTooLarge: {Code: ErrRequestEntityTooLarge, Message: "Request size is too large.", Status: http.StatusRequestEntityTooLarge},
	ErrRateLimitExceeded:     {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx: Room Broker and Delivery Errors
	ErrNotFound:              {Code: ErrNotFound, Message: "Not found.", Status: http.StatusNotFound},
	ErrForbidden:             {Code: ErrForbidden, Message: "You are not a member of this room.", Status: http.StatusForbidden},
	ErrGapTooLarge:           {Code: ErrGapTooLarge, Message: "History is no longer available. Please resync.", Status: http.StatusGone},
	ErrQueueOverflow:         {Code: ErrQueueOverflow, Message: "Connection too slow, disconnected.", Status: http.StatusServiceUnavailable},
	ErrDuplicateSequence:     {Code: ErrDuplicateSequence, Message: "Room is unavailable.", Status: http.StatusInternalServerError},
	ErrNotJoined:             {Code: ErrNotJoined, Message: "Join the room first.", Status: http.StatusConflict},
	ErrMessageContentTooLong: {Code: ErrMessageContentTooLong, Message: "Message is too long."},
	ErrAttachmentInvalid:     {Code: ErrAttachmentInvalid, Message: "Invalid attachment."},
	ErrFileSizeTooLarge:      {Code: ErrFileSizeTooLarge, Message: "File is too large."},
	ErrUnknownEventKind:      {Code: ErrUnknownEventKind, Message: "Unsupported event kind %q."},

	// 3xxx: Identity, Session and Presence Errors
	ErrUnauthorized:  {Code: ErrUnauthorized, Message: "Please sign in to continue.", Status: http.StatusUnauthorized},
	ErrInvalidStatus: {Code: ErrInvalidStatus, Message: "Invalid presence status %q."},

	// 5xxx: Internal System Errors
	ErrUnknown:           {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrFileStorageFailed: {Code: ErrFileStorageFailed, Message: "File storage failed. Please try again.", Status: http.StatusBadGateway},
	ErrStoreUnavailable:  {Code: ErrStoreUnavailable, Message: "History store is unavailable.", Status: http.StatusServiceUnavailable},
}
