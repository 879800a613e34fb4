package store

import (
	"context"
	"sync"
)

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]byte)}
}

// Load implements RoomStore.
func (s *MemoryStore) Load(_ context.Context, roomID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// Save implements RoomStore.
func (s *MemoryStore) Save(_ context.Context, roomID string, blob []byte) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms[roomID] = append([]byte(nil), blob...)
	s.mu.Unlock()
	return nil
}

// Delete implements RoomStore.
func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored rooms.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
