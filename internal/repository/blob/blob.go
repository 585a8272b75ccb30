package blob

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("object not found")
	// ErrExists is returned by CreateExclusive when another writer already
	// created the key.
	ErrExists = errors.New("object already exists")
)

// ObjectInfo describes one stored, versioned object.
type ObjectInfo struct {
	// Key is the object's name in the bucket.
	Key string
	// VersionID identifies the immutable version that was stored or probed.
	VersionID string
	// Size is the object's byte size.
	Size int64
}

// Store is a versioned bucket. The publish protocol needs atomic
// create-if-absent plus version-pinned reads and URLs, nothing more.
type Store interface {
	// Head returns metadata for key, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	// Get opens the current content under key for reading, or ErrNotFound.
	// The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// CreateExclusive stores body under key if and only if the key does not
	// exist yet. The create is atomic against concurrent writers; losing the
	// race returns ErrExists.
	CreateExclusive(ctx context.Context, key string, body io.Reader, size int64) (*ObjectInfo, error)
	// SetPublicRead makes exactly the given stored version publicly
	// readable.
	SetPublicRead(ctx context.Context, key, versionID string) error
	// VersionURL returns a permanently valid public URL pinned to the given
	// version.
	VersionURL(key, versionID string) string
}
