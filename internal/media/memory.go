package media

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

type object struct {
	contentType string
	data        []byte
}

// MemoryStore keeps objects in memory and serves them over HTTP.
// Used in development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	objects   map[string]object
	publicURL string
	puts      int
}

// NewMemoryStore returns a store whose URLs live under publicURL.
func NewMemoryStore(publicURL string) *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]object),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// SetPublicURL changes the base URL; used when the serving address is only
// known after the listener starts.
func (m *MemoryStore) SetPublicURL(publicURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicURL = strings.TrimRight(publicURL, "/")
}

func (m *MemoryStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{contentType: contentType, data: append([]byte(nil), data...)}
	m.puts++
	return nil
}

func (m *MemoryStore) URL(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicURL + "/" + key
}

// Get returns a stored object.
func (m *MemoryStore) Get(key string) (data []byte, contentType string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Puts counts writes.
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// ServeHTTP serves GET /<key> for objects in the store.
func (m *MemoryStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, contentType, ok := m.Get(strings.TrimPrefix(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
