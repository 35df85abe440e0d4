package identity

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type memoryRecord struct {
	identity   *Identity
	secretHash []byte
	pending    map[string]string
}

// MemoryStore is a Store held in process memory. Only a bcrypt hash of each
// secret is kept.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	created int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) FindByName(_ context.Context, name string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.identity.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, name string, secret []byte) (*Identity, error) {
	if name == "" {
		return nil, fmt.Errorf("identity name cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityExists, name)
	}

	identity := &Identity{
		ID:         uuid.NewString(),
		Name:       name,
		Attributes: make(map[string]string),
		CreatedAt:  time.Now().UTC(),
	}
	s.records[name] = &memoryRecord{identity: identity, secretHash: hash}
	s.created++

	return identity.Clone(), nil
}

// SetAttributes stages attrs for identity; they are visible to FindByName after Save.
func (s *MemoryStore) SetAttributes(_ context.Context, identity *Identity, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, identity.Name)
	}

	for k, v := range attrs {
		if rec.identity.Attributes[k] == v {
			continue
		}
		if rec.pending == nil {
			rec.pending = make(map[string]string)
		}
		rec.pending[k] = v
	}
	return nil
}

func (s *MemoryStore) HasPendingChanges(_ context.Context, identity *Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[identity.Name]
	return ok && len(rec.pending) > 0
}

func (s *MemoryStore) Save(_ context.Context, identity *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, identity.Name)
	}

	maps.Copy(rec.identity.Attributes, rec.pending)
	rec.pending = nil
	return nil
}

// VerifySecret reports whether secret matches the one name was created with.
func (s *MemoryStore) VerifySecret(name string, secret []byte) bool {
	s.mu.RLock()
	rec, ok := s.records[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(rec.secretHash, secret) == nil
}

// Created returns the number of successful Create calls.
func (s *MemoryStore) Created() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created
}
