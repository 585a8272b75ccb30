package worker

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/Callek/balrogscript/internal/balrog"
	"github.com/Callek/balrogscript/internal/config"
	"github.com/Callek/balrogscript/internal/domain/release"
	"github.com/Callek/balrogscript/internal/logger"
	"github.com/Callek/balrogscript/internal/manifest"
	"github.com/Callek/balrogscript/internal/mar"
	"github.com/Callek/balrogscript/internal/publish"
	"github.com/Callek/balrogscript/internal/retry"
	"github.com/Callek/balrogscript/internal/taskdef"
)

var (
	errBadHTTPStatus     = errors.New("unexpected http status")
	errTruncatedDownload = errors.New("download truncated")
)

// PermissionError reports a staged package whose permissions could not be
// pinned after download.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("set permissions on %q: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// runner holds the assembled pipeline for a single run. It is intentionally
// unexported; callers go through Run(ctx, *Options).
type runner struct {
	cfg        *config.Config
	task       *taskdef.Task
	keys       []*rsa.PublicKey // nil when verification is disabled
	fetcher    *manifest.Fetcher
	client     *balrog.Client
	publisher  *publish.Publisher // nil when uploads are disabled
	httpClient *http.Client
}

// run fetches the manifest and processes its entries strictly in order. The
// first failure aborts the run and leaves the remaining entries untouched.
func (r *runner) run(ctx context.Context) error {
	logger.InfoKV(ctx, "Fetching update manifest",
		"parent", r.task.ParentArtifactsURL,
		"trust", string(r.task.SigningCert))

	entries, err := r.fetcher.Fetch(ctx, r.task.ParentArtifactsURL)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}

	logger.InfoKV(ctx, "Manifest fetched", "entries", len(entries))

	for i, entry := range entries {
		if err = r.processEntry(ctx, i, entry); err != nil {
			return fmt.Errorf("process entry %d: %w", i, err)
		}
	}

	return nil
}

func (r *runner) processEntry(ctx context.Context, index int, entry release.Entry) error {
	logger.InfoKV(ctx, "Processing manifest entry",
		"index", index,
		"style", entry.Style())

	switch update := entry.(type) {
	case release.ReleaseUpdate:
		return r.submitRelease(ctx, update)
	case release.NightlyUpdate:
		if r.publisher == nil {
			return &release.ClassificationError{
				Index:  index,
				Reason: "nightly-style entry requires uploads, which are disabled",
			}
		}

		return r.submitNightly(ctx, update)
	default:
		return &release.ClassificationError{
			Index:  index,
			Reason: fmt.Sprintf("unsupported submission style %q", entry.Style()),
		}
	}
}

// submitRelease registers a release-style entry. The packages already live
// on release infrastructure, so there is nothing to host.
func (r *runner) submitRelease(ctx context.Context, update release.ReleaseUpdate) error {
	return r.submit(ctx, balrog.NewReleaseSubmission(update, r.cfg.Dummy), r.cfg.NetworkRetry)
}

// submitNightly stages both packages locally, verifies their signatures,
// publishes them to the bucket and registers the published URLs.
func (r *runner) submitNightly(ctx context.Context, update release.NightlyUpdate) error {
	partialURL, err := buildPackageURL(r.task.ParentArtifactsURL, update.Mar)
	if err != nil {
		return fmt.Errorf("build partial package url: %w", err)
	}

	stagingDir, err := os.MkdirTemp("", "balrogscript-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	defer func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			logger.WarnKV(ctx, "Failed to remove staging directory",
				"path", stagingDir,
				"error", err)
		}
	}()

	partialPath := filepath.Join(stagingDir, "partial.mar")
	completePath := filepath.Join(stagingDir, "complete.mar")

	if err = r.download(ctx, partialURL, partialPath); err != nil {
		return fmt.Errorf("download partial package: %w", err)
	}

	if err = r.download(ctx, update.ToMar, completePath); err != nil {
		return fmt.Errorf("download complete package: %w", err)
	}

	if err = r.verifyPackage(ctx, partialPath); err != nil {
		return err
	}

	if err = r.verifyPackage(ctx, completePath); err != nil {
		return err
	}

	partialRecord, err := r.publisher.Publish(ctx, update.PartialKey(), partialPath)
	if err != nil {
		return fmt.Errorf("publish partial package: %w", err)
	}

	completeRecord, err := r.publisher.Publish(ctx, update.CompleteKey(), completePath)
	if err != nil {
		return fmt.Errorf("publish complete package: %w", err)
	}

	submission := balrog.NewNightlySubmission(update,
		partialRecord.URL, completeRecord.URL, r.cfg.Dummy)

	return r.submit(ctx, submission, r.cfg.SubmissionRetry)
}

func (r *runner) submit(ctx context.Context, submission *balrog.BuildSubmission, policy retry.Policy) error {
	logger.InfoKV(ctx, "Submitting build",
		"release", submission.ReleaseName,
		"platform", submission.Platform,
		"locale", submission.Locale)

	return retry.Run(ctx, policy,
		func(ctx context.Context) error {
			return r.client.SubmitBuild(ctx, submission)
		},
		retry.WithNotify(func(err error, next time.Duration) {
			logger.WarnKV(ctx, "Submission failed, will retry",
				"release", submission.ReleaseName,
				"error", err,
				"sleep", next)
		}))
}

func (r *runner) verifyPackage(ctx context.Context, packagePath string) error {
	if r.cfg.DisableMARVerification {
		logger.WarnKV(ctx, "Skipping signature verification", "path", packagePath)
		return nil
	}

	logger.InfoKV(ctx, "Verifying package signatures", "path", packagePath)

	return mar.VerifySignatures(packagePath, r.keys)
}

// download fetches sourceURL into dest, retrying transient failures. Each
// attempt rewrites dest from scratch.
func (r *runner) download(ctx context.Context, sourceURL, dest string) error {
	logger.InfoKV(ctx, "Downloading package", "url", sourceURL, "dest", dest)

	return retry.Run(ctx, r.cfg.NetworkRetry,
		func(ctx context.Context) error {
			return r.downloadOnce(ctx, sourceURL, dest)
		},
		retry.WithNotify(func(err error, next time.Duration) {
			logger.WarnKV(ctx, "Download failed, will retry",
				"url", sourceURL,
				"error", err,
				"sleep", next)
		}))
}

func (r *runner) downloadOnce(ctx context.Context, sourceURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s, %s: %w", sourceURL, resp.Status, errBadHTTPStatus)
	}

	out, err := os.Create(filepath.Clean(dest))
	if err != nil {
		return err
	}

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		_ = out.Close()

		return err
	}

	if err = out.Close(); err != nil {
		return err
	}

	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return fmt.Errorf("%q: got %d bytes, want %d: %w",
			sourceURL, written, resp.ContentLength, errTruncatedDownload)
	}

	// The staged package is private to this run; pin it down before anything
	// reads it back.
	if err = os.Chmod(dest, 0o600); err != nil {
		return retry.Permanent(&PermissionError{Path: dest, Err: err})
	}

	return nil
}

// buildPackageURL resolves a manifest-relative package name against the
// parent artifacts URL.
func buildPackageURL(parentArtifactsURL, name string) (string, error) {
	parsed, err := url.Parse(parentArtifactsURL)
	if err != nil {
		return "", err
	}

	parsed.Path = path.Join(parsed.Path, name)

	return parsed.String(), nil
}
