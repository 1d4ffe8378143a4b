package repository

import (
	"context"
	"sync"

	"github.com/hupe1980/agentdock/core"
)

// MemoryStore is a volatile implementation of all three repository
// contracts backed by process-local maps. It is safe for concurrent access
// and best suited for tests or ephemeral demo hosts. Returned values are
// copies to prevent external mutation of internal state.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]core.Container
	images     map[string]core.Image
	imageMsgs  map[string][]core.MessageRecord
	sessions   map[string]core.SessionInfo
	messages   map[string][]core.MessageRecord
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string]core.Container),
		images:     make(map[string]core.Image),
		imageMsgs:  make(map[string][]core.MessageRecord),
		sessions:   make(map[string]core.SessionInfo),
		messages:   make(map[string][]core.MessageRecord),
	}
}

// Repositories returns the store wired as a repository.Store bundle.
func (s *MemoryStore) Repositories() Store {
	return Store{Containers: s, Images: s, Sessions: s}
}

// SaveContainer implements ContainerRepository.
func (s *MemoryStore) SaveContainer(_ context.Context, c core.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[c.ID] = c
	return nil
}

// FindContainerByID implements ContainerRepository.
func (s *MemoryStore) FindContainerByID(_ context.Context, id string) (core.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	if !ok {
		return core.Container{}, core.NewNotFound("container", id)
	}
	return c, nil
}

// SaveImage implements ImageRepository. The image's message history is
// encoded to records at save time, freezing it against later mutation.
func (s *MemoryStore) SaveImage(_ context.Context, img core.Image) error {
	records := make([]core.MessageRecord, 0, len(img.Messages))
	for _, m := range img.Messages {
		rec, err := core.EncodeMessage(m)
		if err != nil {
			return &core.PersistenceError{Op: "save image " + img.ID, Err: err}
		}
		records = append(records, rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	img.Messages = nil
	s.images[img.ID] = img
	s.imageMsgs[img.ID] = records
	return nil
}

// FindImageByID implements ImageRepository.
func (s *MemoryStore) FindImageByID(_ context.Context, id string) (core.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return core.Image{}, core.NewNotFound("image", id)
	}
	return s.decodeImageLocked(img)
}

// FindImagesByContainerID implements ImageRepository.
func (s *MemoryStore) FindImagesByContainerID(_ context.Context, containerID string) ([]core.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var images []core.Image
	for _, img := range s.images {
		if img.ContainerID != containerID {
			continue
		}
		decoded, err := s.decodeImageLocked(img)
		if err != nil {
			return nil, err
		}
		images = append(images, decoded)
	}
	return images, nil
}

func (s *MemoryStore) decodeImageLocked(img core.Image) (core.Image, error) {
	for _, rec := range s.imageMsgs[img.ID] {
		m, err := core.DecodeMessage(rec)
		if err != nil {
			return core.Image{}, err
		}
		img.Messages = append(img.Messages, m)
	}
	return img, nil
}

// DeleteImage implements ImageRepository. Child images are untouched.
func (s *MemoryStore) DeleteImage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		return core.NewNotFound("image", id)
	}
	delete(s.images, id)
	delete(s.imageMsgs, id)
	return nil
}

// SaveSession implements SessionRepository.
func (s *MemoryStore) SaveSession(_ context.Context, sess core.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// FindSessionsByImageID implements SessionRepository.
func (s *MemoryStore) FindSessionsByImageID(_ context.Context, imageID string) ([]core.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []core.SessionInfo
	for _, sess := range s.sessions {
		if sess.ImageID == imageID {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// AddMessage implements SessionRepository.
func (s *MemoryStore) AddMessage(_ context.Context, sessionID string, rec core.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return core.NewNotFound("session", sessionID)
	}
	s.messages[sessionID] = append(s.messages[sessionID], rec)
	return nil
}

// GetMessages implements SessionRepository, returning a defensive copy in
// append order.
func (s *MemoryStore) GetMessages(_ context.Context, sessionID string) ([]core.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, core.NewNotFound("session", sessionID)
	}
	records := make([]core.MessageRecord, len(s.messages[sessionID]))
	copy(records, s.messages[sessionID])
	return records, nil
}

// DeleteSession implements SessionRepository, removing the session and its
// message log.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}
