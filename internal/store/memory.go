package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// MemoryStore is an in-process SessionStore for local runs and tests.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]Session
	uploads  map[string]Upload
	prefs    map[string]Preferences
	catalog  map[string]CatalogItem
}

var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		sessions: make(map[string]Session),
		uploads:  make(map[string]Upload),
		prefs:    make(map[string]Preferences),
		catalog:  make(map[string]CatalogItem),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("create session %s: already exists", s.ID)
	}
	now := m.now().UnixMilli()
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) TransitionSession(_ context.Context, id string, from, to tryon.Status, mutate func(*Session)) (*Session, error) {
	if err := tryon.Transition(from, to); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, tryon.NotFound("Session not found.")
	}
	if s.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, id, s.Status, from)
	}
	if mutate != nil {
		mutate(&s)
	}
	s.Status = to
	s.UpdatedAt = m.now().UnixMilli()
	m.sessions[id] = s
	return &s, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, ownerID, cursor string, limit int) (*Page, error) {
	var afterAt int64
	var afterID string
	if cursor != "" {
		var err error
		if afterAt, afterID, err = decodeCursor(cursor); err != nil {
			return nil, tryon.Validation("Invalid history cursor.")
		}
	}

	m.mu.Lock()
	var owned []Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			owned = append(owned, s)
		}
	}
	m.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt != owned[j].CreatedAt {
			return owned[i].CreatedAt > owned[j].CreatedAt
		}
		return owned[i].ID > owned[j].ID
	})

	page := &Page{Sessions: []*Session{}}
	for i := range owned {
		s := owned[i]
		if cursor != "" && (s.CreatedAt > afterAt || (s.CreatedAt == afterAt && s.ID >= afterID)) {
			continue
		}
		if len(page.Sessions) == limit {
			last := page.Sessions[limit-1]
			page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
			break
		}
		page.Sessions = append(page.Sessions, &s)
	}
	return page, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, ownerID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, tryon.NotFound("Session not found.")
	}
	if s.OwnerID != ownerID {
		return nil, tryon.Forbidden("You do not have access to this session.")
	}
	delete(m.sessions, id)
	return &s, nil
}

func (m *MemoryStore) PutUpload(_ context.Context, u *Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt == 0 {
		u.CreatedAt = m.now().UnixMilli()
	}
	m.uploads[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUpload(_ context.Context, id string) (*Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryStore) SetDefaultImage(_ context.Context, ownerID, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prefs[ownerID]
	p.OwnerID = ownerID
	p.DefaultImageID = uploadID
	m.prefs[ownerID] = p
	return nil
}

func (m *MemoryStore) GetPreferences(_ context.Context, ownerID string) (*Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prefs[ownerID]
	p.OwnerID = ownerID
	return &p, nil
}

func (m *MemoryStore) IncrementUnseen(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prefs[ownerID]
	p.OwnerID = ownerID
	p.Unseen++
	m.prefs[ownerID] = p
	return nil
}

func (m *MemoryStore) ClearUnseen(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prefs[ownerID]
	p.OwnerID = ownerID
	p.Unseen = 0
	m.prefs[ownerID] = p
	return nil
}

func (m *MemoryStore) PutCatalogItem(_ context.Context, item *CatalogItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	cp.GalleryImageIDs = append([]string(nil), item.GalleryImageIDs...)
	cp.Images = append([]CatalogImage(nil), item.Images...)
	m.catalog[item.ID] = cp
	return nil
}

func (m *MemoryStore) GetCatalogItem(_ context.Context, id string) (*CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.catalog[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}
