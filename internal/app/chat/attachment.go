package chat

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/errs"
)

const (
	// MaxAttachmentSizeMB is the maximum allowed file size in megabytes.
	MaxAttachmentSizeMB = 10

	// MaxAttachmentSize is the maximum allowed file size in bytes.
	MaxAttachmentSize = MaxAttachmentSizeMB * 1024 * 1024

	// PresignedURLDuration is how long an upload or download URL stays valid.
	PresignedURLDuration = 5 * time.Minute
)

// ExtToMIME maps the permitted file extensions to their MIME types.
var ExtToMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// ValidateFileSize checks if the provided file size is within acceptable limits.
func ValidateFileSize(fileSize int64) *errs.CustomError {
	if fileSize <= 0 {
		return errs.NewError(errs.ErrInvalidParams)
	}

	if fileSize > MaxAttachmentSize {
		return errs.NewError(errs.ErrFileSizeTooLarge)
	}

	return nil
}

// ValidateFileType checks that the extension is permitted and matches the MIME type.
func ValidateFileType(fileName string, mimeType string) *errs.CustomError {
	ext := strings.ToLower(filepath.Ext(fileName))
	if len(ext) < 2 {
		return errs.NewError(errs.ErrAttachmentInvalid)
	}

	expectedMIME, ok := ExtToMIME[ext]
	if !ok || expectedMIME != strings.ToLower(mimeType) {
		return errs.NewError(errs.ErrAttachmentInvalid)
	}

	return nil
}

// AttachmentKey builds a fresh storage key for a file uploaded into roomID.
func AttachmentKey(roomID, fileName string) string {
	return fmt.Sprintf("%s/%s%s", roomID, uuid.NewString(), strings.ToLower(filepath.Ext(fileName)))
}

// KeyBelongsToRoom reports whether key was issued for roomID.
func KeyBelongsToRoom(key, roomID string) bool {
	return roomID != "" && strings.HasPrefix(key, roomID+"/") && !strings.Contains(key, "..")
}

// ValidateAttachments checks every attachment referenced by a message in roomID.
func ValidateAttachments(roomID string, attachments []event.Attachment) *errs.CustomError {
	for _, a := range attachments {
		if !KeyBelongsToRoom(a.Key, roomID) {
			return errs.NewError(errs.ErrAttachmentInvalid)
		}
		if err := ValidateFileType(a.Name, a.MimeType); err != nil {
			return err
		}
		if err := ValidateFileSize(a.Size); err != nil {
			return err
		}
	}
	return nil
}
