package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/persona-service/internal/domain"
)

// ErrDuplicateEmail is returned by Create when the email is taken.
var ErrDuplicateEmail = errors.New("email already registered")

// MemoryUsers is a process-local UserRepository used when no DSN is configured.
type MemoryUsers struct {
	mu      sync.RWMutex
	byID    map[string]domain.User
	byEmail map[string]string
	now     func() time.Time
}

// NewMemoryUsers returns an empty repository.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byID:    make(map[string]domain.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (m *MemoryUsers) Create(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, ok := m.byEmail[email]; ok {
		return ErrDuplicateEmail
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := m.now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	m.byID[user.ID] = *user
	m.byEmail[email] = user.ID
	return nil
}

func (m *MemoryUsers) Update(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.byID[user.ID]
	if !ok {
		return ErrNotFound
	}
	delete(m.byEmail, strings.ToLower(prev.Email))
	user.UpdatedAt = m.now().UTC()
	m.byID[user.ID] = *user
	m.byEmail[strings.ToLower(user.Email)] = user.ID
	return nil
}

func (m *MemoryUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	u := m.byID[id]
	return &u, nil
}

// MemoryEntitlements is a process-local EntitlementRepository. Records are
// copied on the way in and out so callers never share mutable state.
type MemoryEntitlements struct {
	mu      sync.RWMutex
	records map[string]*domain.Entitlement
	now     func() time.Time
	writes  int
}

// NewMemoryEntitlements returns an empty repository.
func NewMemoryEntitlements() *MemoryEntitlements {
	return &MemoryEntitlements{
		records: make(map[string]*domain.Entitlement),
		now:     time.Now,
	}
}

func (m *MemoryEntitlements) Get(_ context.Context, userID string) (*domain.Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return ent.Clone(), nil
}

func (m *MemoryEntitlements) GetByCustomerRef(_ context.Context, customerRef string) (*domain.Entitlement, error) {
	if customerRef == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *domain.Entitlement
	for _, ent := range m.records {
		if ent.CustomerRef != customerRef {
			continue
		}
		if found == nil || ent.UpdatedAt.After(found.UpdatedAt) {
			found = ent
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *MemoryEntitlements) Save(_ context.Context, ent *domain.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := ent.Clone()
	if prev, ok := m.records[ent.UserID]; ok && prev.LastEventAt != nil {
		if stored.LastEventAt == nil || prev.LastEventAt.After(*stored.LastEventAt) {
			v := *prev.LastEventAt
			stored.LastEventAt = &v
		}
	}
	m.put(stored)
	ent.CreatedAt, ent.UpdatedAt, ent.LastEventAt = stored.CreatedAt, stored.UpdatedAt, cloneStamp(stored.LastEventAt)
	return nil
}

func (m *MemoryEntitlements) SaveIfNewer(_ context.Context, ent *domain.Entitlement, eventAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stamp := eventAt.UTC()
	if prev, ok := m.records[ent.UserID]; ok && prev.LastEventAt != nil && prev.LastEventAt.After(stamp) {
		return false, nil
	}
	stored := ent.Clone()
	stored.LastEventAt = &stamp
	m.put(stored)
	ent.CreatedAt, ent.UpdatedAt, ent.LastEventAt = stored.CreatedAt, stored.UpdatedAt, cloneStamp(&stamp)
	return true, nil
}

// Writes returns the number of successful mutations.
func (m *MemoryEntitlements) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Len returns the number of stored records.
func (m *MemoryEntitlements) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryEntitlements) put(stored *domain.Entitlement) {
	now := m.now().UTC()
	if prev, ok := m.records[stored.UserID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.records[stored.UserID] = stored
	m.writes++
}

func cloneStamp(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
