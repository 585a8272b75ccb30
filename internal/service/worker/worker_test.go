package worker

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Callek/balrogscript/internal/balrog"
	"github.com/Callek/balrogscript/internal/config"
	"github.com/Callek/balrogscript/internal/domain/release"
	"github.com/Callek/balrogscript/internal/manifest"
	"github.com/Callek/balrogscript/internal/mar"
	"github.com/Callek/balrogscript/internal/publish"
	"github.com/Callek/balrogscript/internal/repository/blob"
	"github.com/Callek/balrogscript/internal/retry"
	"github.com/Callek/balrogscript/internal/taskdef"
)

func genTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return key
}

// buildTestMAR assembles a MAR with a single RSA/SHA-1 signature covering
// the header, the signature record prefix and the content.
func buildTestMAR(t *testing.T, key *rsa.PrivateKey, content []byte) []byte {
	t.Helper()

	sigSize := key.Size()
	total := 20 + 8 + sigSize + len(content)

	writePrefix := func(buf *bytes.Buffer) {
		buf.WriteString("MAR1")
		_ = binary.Write(buf, binary.BigEndian, uint32(total-4))
		_ = binary.Write(buf, binary.BigEndian, uint64(total))
		_ = binary.Write(buf, binary.BigEndian, uint32(1))
		_ = binary.Write(buf, binary.BigEndian, uint32(1))
		_ = binary.Write(buf, binary.BigEndian, uint32(sigSize))
	}

	var signed bytes.Buffer
	writePrefix(&signed)
	signed.Write(content)

	sum := sha1.Sum(signed.Bytes())

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, sum[:])
	require.NoError(t, err)

	var out bytes.Buffer
	writePrefix(&out)
	out.Write(sig)
	out.Write(content)

	return out.Bytes()
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  3,
		BaseSleep: time.Millisecond,
		MaxSleep:  2 * time.Millisecond,
	}
}

func testConfig(apiRoot string) *config.Config {
	cfg := config.New()
	cfg.APIRoot = apiRoot
	cfg.Username = "robot"
	cfg.Password = "hunter2"
	cfg.NetworkRetry = fastPolicy()
	cfg.SubmissionRetry = fastPolicy()

	return cfg
}

type capturedSubmission struct {
	path string
	body map[string]any
}

func newBalrogServer(t *testing.T, submissions *[]capturedSubmission) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		*submissions = append(*submissions, capturedSubmission{path: r.URL.Path, body: body})

		w.WriteHeader(http.StatusCreated)
	}))
}

// Not parallel: it asserts that no staging directories are left behind,
// which would race with other tests that stage packages.
func TestRun_NightlyEndToEnd(t *testing.T) {
	signingKey := genTestKey(t)
	partialBytes := buildTestMAR(t, signingKey, []byte("partial update payload"))
	completeBytes := buildTestMAR(t, signingKey, []byte("complete update payload"))

	mux := http.NewServeMux()
	artifacts := httptest.NewServer(mux)
	defer artifacts.Close()

	manifestJSON := fmt.Sprintf(`[{
		"platform": "linux64",
		"appName": "app",
		"toVersion": "2.0",
		"toBuildid": "B2",
		"locale": "en-US",
		"branch": "release",
		"hash": "ab12",
		"size": %d,
		"to_hash": "cd34",
		"to_size": %d,
		"fromBuildId": "B1",
		"mar": "p.mar",
		"to_mar": "%s/complete/c.mar"
	}]`, len(partialBytes), len(completeBytes), artifacts.URL)

	mux.HandleFunc("/task/T/artifacts/manifest.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(manifestJSON))
	})
	mux.HandleFunc("/task/T/artifacts/p.mar", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(partialBytes)
	})
	mux.HandleFunc("/complete/c.mar", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(completeBytes)
	})

	var submissions []capturedSubmission

	balrogServer := newBalrogServer(t, &submissions)
	defer balrogServer.Close()

	cfg := testConfig(balrogServer.URL)
	store := blob.NewMemoryStore()

	r := &runner{
		cfg: cfg,
		task: &taskdef.Task{
			ParentArtifactsURL: artifacts.URL + "/task/T/artifacts",
			SigningCert:        taskdef.TrustNightly,
		},
		keys:       []*rsa.PublicKey{&signingKey.PublicKey},
		fetcher:    manifest.NewFetcher(cfg.NetworkRetry),
		client:     balrog.NewClient(cfg.APIRoot, cfg.Username, cfg.Password),
		publisher:  publish.NewPublisher(store),
		httpClient: http.DefaultClient,
	}

	require.NoError(t, r.run(context.Background()))

	// Both packages landed under their derived keys and are public.
	storedPartial, ok := store.Object("release/B2/p.mar")
	require.True(t, ok)
	require.Equal(t, partialBytes, storedPartial)
	require.True(t, store.IsPublic("release/B2/p.mar", "v1"))

	storedComplete, ok := store.Object("release/B2/app-release-2.0-linux64-en-US.complete.mar")
	require.True(t, ok)
	require.Equal(t, completeBytes, storedComplete)
	require.True(t, store.IsPublic("release/B2/app-release-2.0-linux64-en-US.complete.mar", "v2"))

	// One submission against the nightly release name, carrying the pinned
	// URLs of the published packages.
	require.Len(t, submissions, 1)
	require.Equal(t, "/releases/app-release-nightly/builds/linux64/en-US", submissions[0].path)

	body := submissions[0].body
	require.Equal(t, "app", body["product"])
	require.Equal(t, "2.0", body["appVersion"])
	require.Equal(t, "B2", body["buildID"])
	require.Equal(t, "release", body["branch"])
	require.Equal(t, "sha512", body["hashFunction"])

	partials := body["partialInfo"].([]any)
	require.Len(t, partials, 1)
	partial := partials[0].(map[string]any)
	require.Equal(t, "https://blobs.test/release/B2/p.mar?versionId=v1", partial["url"])
	require.Equal(t, "B1", partial["from_buildid"])

	completes := body["completeInfo"].([]any)
	require.Len(t, completes, 1)
	complete := completes[0].(map[string]any)
	require.Equal(t,
		"https://blobs.test/release/B2/app-release-2.0-linux64-en-US.complete.mar?versionId=v2",
		complete["url"])

	// The staging directory is gone; nothing of ours is left in the temp
	// root.
	leftovers, err := filepath.Glob(filepath.Join(os.TempDir(), "balrogscript-*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestRun_ReleaseStyleSubmission(t *testing.T) {
	t.Parallel()

	manifestJSON := `[{
		"platform": "win64",
		"appName": "app",
		"toVersion": "2.0",
		"toBuildid": "20260801000000",
		"locale": "de",
		"hash": "ab12",
		"size": 1234,
		"to_hash": "cd34",
		"to_size": 5678,
		"previousVersion": "1.9",
		"previousBuildNumber": 2,
		"toBuildNumber": 1
	}]`

	artifacts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(manifestJSON))
	}))
	defer artifacts.Close()

	var submissions []capturedSubmission

	balrogServer := newBalrogServer(t, &submissions)
	defer balrogServer.Close()

	cfg := testConfig(balrogServer.URL)

	// No publisher: release-style entries must not need uploads.
	r := &runner{
		cfg:        cfg,
		task:       &taskdef.Task{ParentArtifactsURL: artifacts.URL, SigningCert: taskdef.TrustRelease},
		fetcher:    manifest.NewFetcher(cfg.NetworkRetry),
		client:     balrog.NewClient(cfg.APIRoot, cfg.Username, cfg.Password),
		httpClient: http.DefaultClient,
	}

	require.NoError(t, r.run(context.Background()))

	require.Len(t, submissions, 1)
	require.Equal(t, "/releases/app-2.0-build1/builds/win64/de", submissions[0].path)

	body := submissions[0].body
	partial := body["partialInfo"].([]any)[0].(map[string]any)
	require.Equal(t, "1.9", partial["previousVersion"])
	require.EqualValues(t, 2, partial["previousBuildNumber"])
	require.NotContains(t, partial, "url")

	complete := body["completeInfo"].([]any)[0].(map[string]any)
	require.NotContains(t, complete, "url")
}

func TestRun_NightlyEntryWithUploadsDisabled(t *testing.T) {
	t.Parallel()

	manifestJSON := `[{
		"platform": "linux64",
		"appName": "app",
		"toVersion": "2.0",
		"toBuildid": "B2",
		"locale": "en-US",
		"branch": "release",
		"hash": "ab12",
		"size": 1,
		"to_hash": "cd34",
		"to_size": 2,
		"fromBuildId": "B1",
		"mar": "p.mar",
		"to_mar": "https://artifacts.example.com/c.mar"
	}]`

	artifacts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(manifestJSON))
	}))
	defer artifacts.Close()

	var submissions []capturedSubmission

	balrogServer := newBalrogServer(t, &submissions)
	defer balrogServer.Close()

	cfg := testConfig(balrogServer.URL)

	r := &runner{
		cfg:        cfg,
		task:       &taskdef.Task{ParentArtifactsURL: artifacts.URL, SigningCert: taskdef.TrustNightly},
		fetcher:    manifest.NewFetcher(cfg.NetworkRetry),
		client:     balrog.NewClient(cfg.APIRoot, cfg.Username, cfg.Password),
		httpClient: http.DefaultClient,
	}

	err := r.run(context.Background())
	require.Error(t, err)

	var classErr *release.ClassificationError
	require.ErrorAs(t, err, &classErr)
	require.Contains(t, err.Error(), "uploads")
	require.Empty(t, submissions, "nothing may be submitted")
}

// Not parallel for the same staging-leftover reason as the end-to-end test.
func TestRun_VerificationFailureAborts(t *testing.T) {
	mux := http.NewServeMux()
	artifacts := httptest.NewServer(mux)
	defer artifacts.Close()

	manifestJSON := fmt.Sprintf(`[{
		"platform": "linux64",
		"appName": "app",
		"toVersion": "2.0",
		"toBuildid": "B2",
		"locale": "en-US",
		"branch": "release",
		"hash": "ab12",
		"size": 10,
		"to_hash": "cd34",
		"to_size": 10,
		"fromBuildId": "B1",
		"mar": "p.mar",
		"to_mar": "%s/c.mar"
	}]`, artifacts.URL)

	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(manifestJSON))
	})
	mux.HandleFunc("/p.mar", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not a mar file"))
	})
	mux.HandleFunc("/c.mar", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not a mar file"))
	})

	var submissions []capturedSubmission

	balrogServer := newBalrogServer(t, &submissions)
	defer balrogServer.Close()

	cfg := testConfig(balrogServer.URL)
	store := blob.NewMemoryStore()
	key := genTestKey(t)

	r := &runner{
		cfg:        cfg,
		task:       &taskdef.Task{ParentArtifactsURL: artifacts.URL, SigningCert: taskdef.TrustNightly},
		keys:       []*rsa.PublicKey{&key.PublicKey},
		fetcher:    manifest.NewFetcher(cfg.NetworkRetry),
		client:     balrog.NewClient(cfg.APIRoot, cfg.Username, cfg.Password),
		publisher:  publish.NewPublisher(store),
		httpClient: http.DefaultClient,
	}

	err := r.run(context.Background())
	require.Error(t, err)

	var verr *mar.VerificationError
	require.ErrorAs(t, err, &verr)
	require.Zero(t, store.Len(), "nothing may be published")
	require.Empty(t, submissions, "nothing may be submitted")

	// The staging directory is cleaned up even on the failure path.
	leftovers, err := filepath.Glob(filepath.Join(os.TempDir(), "balrogscript-*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestRun_SubmissionRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	manifestJSON := `[{
		"platform": "win64",
		"appName": "app",
		"toVersion": "2.0",
		"toBuildid": "B2",
		"locale": "de",
		"hash": "ab12",
		"size": 1,
		"to_hash": "cd34",
		"to_size": 2,
		"previousVersion": "1.9",
		"previousBuildNumber": 2,
		"toBuildNumber": 1
	}]`

	artifacts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(manifestJSON))
	}))
	defer artifacts.Close()

	var requests atomic.Int32

	balrogServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}))
	defer balrogServer.Close()

	cfg := testConfig(balrogServer.URL)

	r := &runner{
		cfg:        cfg,
		task:       &taskdef.Task{ParentArtifactsURL: artifacts.URL, SigningCert: taskdef.TrustRelease},
		fetcher:    manifest.NewFetcher(cfg.NetworkRetry),
		client:     balrog.NewClient(cfg.APIRoot, cfg.Username, cfg.Password),
		httpClient: http.DefaultClient,
	}

	require.NoError(t, r.run(context.Background()))
	require.EqualValues(t, 3, requests.Load())
}

func TestDownload_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		_, _ = w.Write([]byte("package bytes"))
	}))
	defer server.Close()

	r := &runner{cfg: testConfig("https://unused.example.com"), httpClient: http.DefaultClient}
	dest := filepath.Join(t.TempDir(), "package.mar")

	require.NoError(t, r.download(context.Background(), server.URL, dest))
	require.EqualValues(t, 2, requests.Load())

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("package bytes"), content)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDownload_TruncatedResponseIsRetried(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)

			conn, buf, err := hj.Hijack()
			require.NoError(t, err)

			_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nonly a few bytes")
			_ = buf.Flush()
			_ = conn.Close()

			return
		}

		_, _ = w.Write([]byte("the whole package"))
	}))
	defer server.Close()

	r := &runner{cfg: testConfig("https://unused.example.com"), httpClient: http.DefaultClient}
	dest := filepath.Join(t.TempDir(), "package.mar")

	require.NoError(t, r.download(context.Background(), server.URL, dest))
	require.EqualValues(t, 2, requests.Load())

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("the whole package"), content)
}

func TestBuildPackageURL(t *testing.T) {
	t.Parallel()

	url, err := buildPackageURL("https://queue.example.com/task/T/artifacts", "p.mar")
	require.NoError(t, err)
	require.Equal(t, "https://queue.example.com/task/T/artifacts/p.mar", url)

	url, err = buildPackageURL("https://queue.example.com/task/T/artifacts/", "sub/p.mar")
	require.NoError(t, err)
	require.Equal(t, "https://queue.example.com/task/T/artifacts/sub/p.mar", url)
}

func TestNewRunner_AssemblesFromFilesAndOverrides(t *testing.T) {
	t.Setenv(config.EnvAPIRoot, "")
	t.Setenv(config.EnvS3Bucket, "")
	t.Setenv(config.EnvAWSAccessKeyID, "")
	t.Setenv(config.EnvAWSSecretAccessKey, "")
	t.Setenv(config.EnvDisableMARVerification, "")

	dir := t.TempDir()

	key := genTestKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	keysDir := filepath.Join(dir, "keys")
	require.NoError(t, os.Mkdir(keysDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(keysDir, "nightly.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(keysDir, "keyring.yaml"),
		[]byte("nightly:\n  - nightly.pem\n"), 0o600))

	settingsPath := filepath.Join(dir, "settings.yaml")
	settings := fmt.Sprintf("api_root: https://balrog.example.com/api\nkeys_dir: %s\ndisable_s3: true\n", keysDir)
	require.NoError(t, os.WriteFile(settingsPath, []byte(settings), 0o600))

	taskPath := filepath.Join(dir, "task.json")
	require.NoError(t, os.WriteFile(taskPath, []byte(`{
		"payload": {
			"parent_task_artifacts_url": "https://queue.example.com/task/T/artifacts",
			"signing_cert": "nightly"
		}
	}`), 0o600))

	opts := &Options{
		ConfigPath: settingsPath,
		TaskPath:   taskPath,
		Overrides: func(cfg *config.Config) {
			cfg.Username = "robot"
			cfg.Dummy = true
		},
	}

	r, err := newRunner(context.Background(), opts)
	require.NoError(t, err)

	require.Nil(t, r.publisher, "disable_s3 must leave the publisher unset")
	require.Len(t, r.keys, 1)
	require.Equal(t, "robot", r.cfg.Username)
	require.True(t, r.cfg.Dummy)
	require.Equal(t, taskdef.TrustNightly, r.task.SigningCert)
}

func TestNewRunner_RequiresTaskPath(t *testing.T) {
	t.Parallel()

	_, err := newRunner(context.Background(), &Options{})
	require.ErrorIs(t, err, errTaskPathRequired)
}
