package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Callek/balrogscript/internal/logger"
	"github.com/Callek/balrogscript/internal/repository/blob"
)

// DefaultNameProbeLimit is how many numbered fallback names are tried after
// the desired one.
const DefaultNameProbeLimit = 10

// Record describes one published package: where it ended up and what it
// contains. URL is pinned to the exact stored version and stays valid even
// if the key is later overwritten.
type Record struct {
	Key       string
	VersionID string
	URL       string
	SHA256    string
	Size      int64
}

// NameExhaustedError is returned when every candidate name is taken by
// different content. Fatal; retrying cannot help until names are freed.
type NameExhaustedError struct {
	// Key is the desired key the candidates were derived from.
	Key string
}

func (e *NameExhaustedError) Error() string {
	return fmt.Sprintf("cannot find a free name for %q", e.Key)
}

// Sentinel outcomes of a single name probe, private to the loop.
var (
	errNameTaken = errors.New("name taken by different content")
	errLostRace  = errors.New("lost create race")
)

// Publisher uploads packages under collision-resistant names.
type Publisher struct {
	store          blob.Store
	nameProbeLimit int
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithNameProbeLimit overrides how many numbered names are probed.
func WithNameProbeLimit(limit int) Option {
	return func(p *Publisher) {
		if limit > 0 {
			p.nameProbeLimit = limit
		}
	}
}

// NewPublisher creates a Publisher writing to store.
func NewPublisher(store blob.Store, opts ...Option) *Publisher {
	publisher := &Publisher{
		store:          store,
		nameProbeLimit: DefaultNameProbeLimit,
	}

	for _, opt := range opts {
		opt(publisher)
	}

	return publisher
}

// CandidateNames returns the name sequence probed for a desired key: the key
// itself, then amount numbered variants with the counter inserted before the
// extension (p.mar, p-1.mar, p-2.mar, ...).
func CandidateNames(desired string, amount int) []string {
	ext := path.Ext(desired)
	base := strings.TrimSuffix(desired, ext)

	names := make([]string, 0, amount+1)
	names = append(names, desired)

	for i := 1; i <= amount; i++ {
		names = append(names, fmt.Sprintf("%s-%d%s", base, i, ext))
	}

	return names
}

// Publish stores the local file under desiredKey or the nearest free
// numbered variant and makes the stored version publicly readable.
//
// Names already holding identical content are reused without a write, so a
// replayed run converges on the previous result. Names holding different
// content are skipped. A create that loses to a concurrent writer moves on
// to the next candidate; the conditional create guarantees no one ever
// overwrites anyone.
func (p *Publisher) Publish(ctx context.Context, desiredKey, localPath string) (*Record, error) {
	digest, size, err := fileSHA256(localPath)
	if err != nil {
		return nil, fmt.Errorf("hash local package: %w", err)
	}

	for _, name := range CandidateNames(desiredKey, p.nameProbeLimit) {
		record, err := p.tryName(ctx, name, localPath, digest, size)

		switch {
		case err == nil:
			return record, nil
		case errors.Is(err, errNameTaken):
			logger.InfoKV(ctx, "Name already holds different content, trying next candidate",
				"key", name)
		case errors.Is(err, errLostRace):
			logger.WarnKV(ctx, "Lost create race, trying next candidate",
				"key", name)
		default:
			return nil, err
		}
	}

	return nil, &NameExhaustedError{Key: desiredKey}
}

func (p *Publisher) tryName(ctx context.Context, name, localPath, digest string, size int64) (*Record, error) {
	info, err := p.store.Head(ctx, name)

	switch {
	case err == nil:
		same, err := p.contentMatches(ctx, name, digest)
		if err != nil {
			return nil, err
		}

		if !same {
			return nil, errNameTaken
		}

		logger.InfoKV(ctx, "Identical content already published, keeping existing object",
			"key", name,
			"version", info.VersionID)

		return &Record{
			Key:       name,
			VersionID: info.VersionID,
			URL:       p.store.VersionURL(name, info.VersionID),
			SHA256:    digest,
			Size:      info.Size,
		}, nil
	case errors.Is(err, blob.ErrNotFound):
		// Free as of this probe; attempt the create.
	default:
		return nil, fmt.Errorf("probe %q: %w", name, err)
	}

	file, err := os.Open(filepath.Clean(localPath))
	if err != nil {
		return nil, fmt.Errorf("open local package: %w", err)
	}
	defer file.Close()

	logger.InfoKV(ctx, "Uploading package", "key", name, "size", size)

	created, err := p.store.CreateExclusive(ctx, name, file, size)
	if err != nil {
		if errors.Is(err, blob.ErrExists) {
			return nil, errLostRace
		}

		return nil, fmt.Errorf("upload %q: %w", name, err)
	}

	if err := p.store.SetPublicRead(ctx, name, created.VersionID); err != nil {
		return nil, err
	}

	return &Record{
		Key:       name,
		VersionID: created.VersionID,
		URL:       p.store.VersionURL(name, created.VersionID),
		SHA256:    digest,
		Size:      size,
	}, nil
}

// contentMatches downloads the existing object and compares digests. The
// store's version metadata cannot be trusted to carry a usable content hash,
// so the bytes decide.
func (p *Publisher) contentMatches(ctx context.Context, name, localDigest string) (bool, error) {
	reader, err := p.store.Get(ctx, name)
	if err != nil {
		return false, fmt.Errorf("read existing %q: %w", name, err)
	}
	defer reader.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, reader); err != nil {
		return false, fmt.Errorf("hash existing %q: %w", name, err)
	}

	return hex.EncodeToString(digest.Sum(nil)) == localDigest, nil
}

func fileSHA256(path string) (digest string, size int64, err error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()

	size, err = io.Copy(hasher, file)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}
