package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/Callek/balrogscript/internal/domain/release"
	"github.com/Callek/balrogscript/internal/logger"
	"github.com/Callek/balrogscript/internal/retry"
)

// manifestFilename is the well-known artifact name next to the packages.
const manifestFilename = "manifest.json"

// Fetcher retrieves and classifies the update manifest published by the
// upstream build task.
type Fetcher struct {
	httpClient *http.Client
	policy     retry.Policy
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client used for manifest requests.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = client
	}
}

// NewFetcher creates a Fetcher retrying per the provided policy.
func NewFetcher(policy retry.Policy, opts ...Option) *Fetcher {
	fetcher := &Fetcher{
		httpClient: http.DefaultClient,
		policy:     policy,
	}

	for _, opt := range opts {
		opt(fetcher)
	}

	return fetcher
}

// Fetch downloads {parentArtifactsURL}/manifest.json and classifies every
// entry. Network failures are retried; a manifest that decodes but fails
// classification is an input error and aborts on the first attempt.
func (f *Fetcher) Fetch(ctx context.Context, parentArtifactsURL string) ([]release.Entry, error) {
	manifestURL, err := buildManifestURL(parentArtifactsURL)
	if err != nil {
		return nil, fmt.Errorf("build manifest url: %w", err)
	}

	return retry.Do(ctx, f.policy,
		func(ctx context.Context) ([]release.Entry, error) {
			return f.fetchOnce(ctx, manifestURL)
		},
		retry.WithNotify(func(err error, next time.Duration) {
			logger.WarnKV(ctx, "Manifest fetch failed, will retry",
				"error", err,
				"sleep", next)
		}))
}

func (f *Fetcher) fetchOnce(ctx context.Context, manifestURL string) ([]release.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %q", resp.Status)
	}

	var raw []release.ManifestEntry
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode manifest: %w", err))
	}

	entries := make([]release.Entry, 0, len(raw))

	for i, wire := range raw {
		entry, err := release.Classify(i, wire)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("classify manifest: %w", err))
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func buildManifestURL(parentArtifactsURL string) (string, error) {
	parsed, err := url.Parse(parentArtifactsURL)
	if err != nil {
		return "", err
	}

	parsed.Path = path.Join(parsed.Path, manifestFilename)

	return parsed.String(), nil
}
