package balrog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Callek/balrogscript/internal/domain/release"
	"github.com/Callek/balrogscript/internal/version"
)

// HashFunction names the digest algorithm of the hashes carried in build
// manifests and forwarded in submissions.
const HashFunction = "sha512"

// DefaultCallTimeout bounds one submission request.
const DefaultCallTimeout = 60 * time.Second

// errIncompleteSubmission is returned when a submission lacks the fields
// addressing it.
var errIncompleteSubmission = errors.New("submission needs a release name, platform and locale")

// PartialInfo describes the partial update package offered to clients
// upgrading from a specific prior build.
type PartialInfo struct {
	URL                 string      `json:"url,omitempty"`
	Hash                string      `json:"hash"`
	Size                int64       `json:"size"`
	PreviousVersion     string      `json:"previousVersion,omitempty"`
	PreviousBuildNumber json.Number `json:"previousBuildNumber,omitempty"`
	FromBuildID         string      `json:"from_buildid,omitempty"`
}

// CompleteInfo describes the complete update package.
type CompleteInfo struct {
	URL  string `json:"url,omitempty"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// BuildSubmission is the update metadata registered for one build of one
// platform and locale. ReleaseName, Platform and Locale address the build;
// the remaining fields form the JSON body.
type BuildSubmission struct {
	ReleaseName string `json:"-"`
	Platform    string `json:"-"`
	Locale      string `json:"-"`

	Product      string         `json:"product"`
	AppVersion   string         `json:"appVersion"`
	BuildID      string         `json:"buildID"`
	Branch       string         `json:"branch,omitempty"`
	BuildNumber  json.Number    `json:"buildNumber,omitempty"`
	HashFunction string         `json:"hashFunction"`
	PartialInfo  []PartialInfo  `json:"partialInfo"`
	CompleteInfo []CompleteInfo `json:"completeInfo"`
}

// NewReleaseSubmission maps a release-style entry onto its submission. The
// packages are already hosted elsewhere, so the infos carry no URLs; the
// service resolves them from the previous version and build number.
func NewReleaseSubmission(update release.ReleaseUpdate, dummy bool) *BuildSubmission {
	name := fmt.Sprintf("%s-%s-build%s", update.AppName, update.ToVersion, update.ToBuildNumber)

	return &BuildSubmission{
		ReleaseName:  applyDummy(name, dummy),
		Platform:     update.Platform,
		Locale:       update.Locale,
		Product:      update.AppName,
		AppVersion:   update.ToVersion,
		BuildID:      update.ToBuildID,
		BuildNumber:  update.ToBuildNumber,
		HashFunction: HashFunction,
		PartialInfo: []PartialInfo{{
			Hash:                update.Hash,
			Size:                update.Size,
			PreviousVersion:     update.PreviousVersion,
			PreviousBuildNumber: update.PreviousBuildNumber,
		}},
		CompleteInfo: []CompleteInfo{{
			Hash: update.ToHash,
			Size: update.ToSize,
		}},
	}
}

// NewNightlySubmission maps a nightly-style entry onto its submission,
// pointing at the URLs the packages were published under.
func NewNightlySubmission(update release.NightlyUpdate, partialURL, completeURL string, dummy bool) *BuildSubmission {
	name := fmt.Sprintf("%s-%s-nightly", update.AppName, update.Branch)

	return &BuildSubmission{
		ReleaseName:  applyDummy(name, dummy),
		Platform:     update.Platform,
		Locale:       update.Locale,
		Product:      update.AppName,
		AppVersion:   update.ToVersion,
		BuildID:      update.ToBuildID,
		Branch:       update.Branch,
		HashFunction: HashFunction,
		PartialInfo: []PartialInfo{{
			URL:         partialURL,
			Hash:        update.Hash,
			Size:        update.Size,
			FromBuildID: update.FromBuildID,
		}},
		CompleteInfo: []CompleteInfo{{
			URL:  completeURL,
			Hash: update.ToHash,
			Size: update.ToSize,
		}},
	}
}

func applyDummy(name string, dummy bool) string {
	if dummy {
		return name + "-dummy"
	}

	return name
}

// Client talks to the update-distribution service's admin API.
type Client struct {
	apiRoot    string
	username   string
	password   string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithCallTimeout overrides the per-request timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates a Client for the admin API at apiRoot, authenticating
// every request with the given credentials.
func NewClient(apiRoot, username, password string, opts ...Option) *Client {
	client := &Client{
		apiRoot:    strings.TrimRight(apiRoot, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: DefaultCallTimeout},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// SubmitBuild registers the submission under
// {apiRoot}/releases/{releaseName}/builds/{platform}/{locale}. The call is
// idempotent on the service side; callers decide whether and how to retry.
func (c *Client) SubmitBuild(ctx context.Context, submission *BuildSubmission) error {
	if submission.ReleaseName == "" || submission.Platform == "" || submission.Locale == "" {
		return errIncompleteSubmission
	}

	body, err := json.Marshal(submission)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	endpoint := fmt.Sprintf("%s/releases/%s/builds/%s/%s",
		c.apiRoot,
		url.PathEscape(submission.ReleaseName),
		url.PathEscape(submission.Platform),
		url.PathEscape(submission.Locale))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create submission request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit build %q: %w", submission.ReleaseName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("submit build %q: unexpected status %q: %s",
			submission.ReleaseName, resp.Status, strings.TrimSpace(string(detail)))
	}

	return nil
}
