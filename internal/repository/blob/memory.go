package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore implements Store in process memory. It backs the publish
// protocol tests: the Before* hooks let a test inject failures or sneak a
// competing object in right before an operation runs, simulating another
// writer winning a race.
type MemoryStore struct {
	// BeforeHead, BeforeCreate and BeforeSetACL run before the corresponding
	// operation when set. Returning an error fails the operation with it.
	BeforeHead   func(ctx context.Context, key string) error
	BeforeCreate func(ctx context.Context, key string) error
	BeforeSetACL func(ctx context.Context, key, versionID string) error

	mu          sync.Mutex
	objects     map[string]*memoryObject
	nextVersion int

	createCalls int
}

type memoryObject struct {
	data       []byte
	versionID  string
	publicRead bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memoryObject)}
}

// Head implements Store.
func (m *MemoryStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if m.BeforeHead != nil {
		if err := m.BeforeHead(ctx, key); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}

	return &ObjectInfo{Key: key, VersionID: obj.versionID, Size: int64(len(obj.data))}, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// CreateExclusive implements Store.
func (m *MemoryStore) CreateExclusive(ctx context.Context, key string, body io.Reader, _ int64) (*ObjectInfo, error) {
	if m.BeforeCreate != nil {
		if err := m.BeforeCreate(ctx, key); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++

	if _, ok := m.objects[key]; ok {
		return nil, ErrExists
	}

	obj := &memoryObject{data: data, versionID: m.newVersionLocked()}
	m.objects[key] = obj

	return &ObjectInfo{Key: key, VersionID: obj.versionID, Size: int64(len(data))}, nil
}

// SetPublicRead implements Store.
func (m *MemoryStore) SetPublicRead(ctx context.Context, key, versionID string) error {
	if m.BeforeSetACL != nil {
		if err := m.BeforeSetACL(ctx, key, versionID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok || obj.versionID != versionID {
		return fmt.Errorf("set acl: no object %q with version %q", key, versionID)
	}

	obj.publicRead = true

	return nil
}

// VersionURL implements Store.
func (m *MemoryStore) VersionURL(key, versionID string) string {
	return fmt.Sprintf("https://blobs.test/%s?versionId=%s", key, versionID)
}

// Seed stores data under key directly, bypassing hooks and counters. It
// returns the stored object's info.
func (m *MemoryStore) Seed(key string, data []byte) *ObjectInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj := &memoryObject{data: append([]byte(nil), data...), versionID: m.newVersionLocked()}
	m.objects[key] = obj

	return &ObjectInfo{Key: key, VersionID: obj.versionID, Size: int64(len(data))}
}

// Object returns the stored bytes under key.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}

	return append([]byte(nil), obj.data...), true
}

// IsPublic reports whether the exact version under key was made public.
func (m *MemoryStore) IsPublic(key, versionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]

	return ok && obj.versionID == versionID && obj.publicRead
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.objects)
}

// CreateCalls returns how many CreateExclusive attempts ran, including ones
// that lost a race.
func (m *MemoryStore) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.createCalls
}

func (m *MemoryStore) newVersionLocked() string {
	m.nextVersion++

	return fmt.Sprintf("v%d", m.nextVersion)
}
