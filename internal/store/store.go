// Package store persists the opaque memory blob of each conversation room.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Load when a room has no stored memory.
var ErrNotFound = errors.New("room not found")

// RoomStore loads and saves room blobs. Implementations are safe for
// concurrent use; callers serialize writes to the same room.
type RoomStore interface {
	Load(ctx context.Context, roomID string) ([]byte, error)
	Save(ctx context.Context, roomID string, blob []byte) error
	Delete(ctx context.Context, roomID string) error
}

// ValidateRoomID rejects ids that would escape a key namespace.
func ValidateRoomID(roomID string) error {
	switch {
	case roomID == "":
		return errors.New("room id is required")
	case len(roomID) > 256:
		return fmt.Errorf("room id too long: %d bytes", len(roomID))
	case strings.ContainsAny(roomID, "/\\:") || strings.Contains(roomID, ".."):
		return fmt.Errorf("invalid room id %q", roomID)
	}
	return nil
}
