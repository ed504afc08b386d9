// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/toonify/toonify-api/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu     sync.RWMutex           // Protects concurrent access to maps
	users  map[string]*model.User // Map of subject to user
	images map[int64]*model.Image // Map of ID to image record
	nextID int64
	now    func() time.Time
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		users:  make(map[string]*model.User),
		images: make(map[int64]*model.Image),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}

func (m *memory) GetUser(ctx context.Context, subject string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, exists := m.users[subject]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *memory) UpsertUser(ctx context.Context, subject string, email *string, refreshToken string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	u, exists := m.users[subject]
	if !exists {
		u = &model.User{Subject: subject, CreatedAt: now}
		m.users[subject] = u
	}
	if email != nil {
		e := *email
		u.Email = &e
	}
	rt := refreshToken
	u.RefreshToken = &rt
	u.UpdatedAt = now
	return cloneUser(u), nil
}

func (m *memory) SetRefreshToken(ctx context.Context, subject string, refreshToken *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.users[subject]
	if !exists {
		return ErrNotFound
	}
	if refreshToken == nil {
		u.RefreshToken = nil
	} else {
		rt := *refreshToken
		u.RefreshToken = &rt
	}
	u.UpdatedAt = m.now()
	return nil
}

func (m *memory) ConsumeCredit(ctx context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.users[subject]
	if !exists {
		return ErrNotFound
	}
	if u.Credits <= 0 {
		return ErrInsufficientCredits
	}
	u.Credits--
	u.UpdatedAt = m.now()
	return nil
}

func (m *memory) AddCredits(ctx context.Context, subject string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.users[subject]
	if !exists {
		return ErrNotFound
	}
	u.Credits += n
	if u.Credits < 0 {
		u.Credits = 0
	}
	u.UpdatedAt = m.now()
	return nil
}

func (m *memory) CreateImage(ctx context.Context, img model.Image) (*model.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[img.Subject]; !exists {
		return nil, ErrNotFound
	}

	m.nextID++
	now := m.now()
	stored := cloneImage(&img)
	stored.ID = m.nextID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	m.images[stored.ID] = stored
	return cloneImage(stored), nil
}

func (m *memory) GetImage(ctx context.Context, id int64) (*model.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	img, exists := m.images[id]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneImage(img), nil
}

func (m *memory) ListImages(ctx context.Context, subject string) ([]model.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.Image{}
	for _, img := range m.images {
		if img.Subject == subject {
			out = append(out, *cloneImage(img))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *memory) TransitionImage(ctx context.Context, id int64, from model.ImageStatus, upd model.ImageUpdate) (*model.Image, error) {
	if err := upd.Validate(from); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	img, exists := m.images[id]
	if !exists {
		return nil, ErrNotFound
	}
	if img.Status != from {
		return nil, ErrConflict
	}

	img.Status = upd.Status
	img.ProcessedKey = cloneString(upd.ProcessedKey)
	img.FailureReason = cloneString(upd.FailureReason)
	img.UpdatedAt = upd.UpdatedAt
	if img.UpdatedAt.IsZero() {
		img.UpdatedAt = m.now()
	}
	return cloneImage(img), nil
}

func (m *memory) ListStaleImages(ctx context.Context, status model.ImageStatus, before time.Time) ([]model.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Image
	for _, img := range m.images {
		if img.Status == status && img.UpdatedAt.Before(before) {
			out = append(out, *cloneImage(img))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func sortNewestFirst(images []model.Image) {
	sort.Slice(images, func(i, j int) bool {
		if !images[i].CreatedAt.Equal(images[j].CreatedAt) {
			return images[i].CreatedAt.After(images[j].CreatedAt)
		}
		return images[i].ID > images[j].ID
	})
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.Email = cloneString(u.Email)
	c.RefreshToken = cloneString(u.RefreshToken)
	return &c
}

func cloneImage(img *model.Image) *model.Image {
	c := *img
	c.ProcessedKey = cloneString(img.ProcessedKey)
	c.Prompt = cloneString(img.Prompt)
	c.FailureReason = cloneString(img.FailureReason)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
