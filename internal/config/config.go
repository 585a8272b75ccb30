package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Callek/balrogscript/internal/retry"
)

// Config holds the immutable run configuration for a publish run. It is
// assembled once at startup (defaults, then the optional settings file, then
// environment variables, then command-line flags) and threaded explicitly
// through the pipeline; nothing reads the environment after that.
type Config struct {
	// APIRoot is the base URL of the Balrog admin API.
	APIRoot string `yaml:"api_root"`
	// Username authenticates against the Balrog admin API.
	Username string `yaml:"username"`
	// Password authenticates against the Balrog admin API.
	Password string `yaml:"password"`
	// S3Bucket receives published update packages.
	S3Bucket string `yaml:"s3_bucket"`
	// S3Region is the AWS region hosting S3Bucket.
	S3Region string `yaml:"s3_region"`
	// AWSAccessKeyID is the S3 credential id.
	AWSAccessKeyID string `yaml:"aws_access_key_id"`
	// AWSSecretAccessKey is the S3 credential secret.
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	// KeysDir holds the signing keyring manifest and the PEM public keys it
	// references.
	KeysDir string `yaml:"keys_dir"`
	// NameProbeLimit is how many numbered candidate names are tried after the
	// desired one before a publish gives up.
	NameProbeLimit int `yaml:"name_probe_limit"`
	// DisableS3 switches artifact uploads off. Nightly-style entries cannot
	// be submitted without uploads and abort the run.
	DisableS3 bool `yaml:"disable_s3"`
	// Dummy appends a "-dummy" suffix to submitted release names. Set per run
	// via flag, never persisted.
	Dummy bool `yaml:"-"`
	// DisableMARVerification skips signature verification of downloaded
	// packages. Test environments only; honored from the environment, never
	// from the settings file.
	DisableMARVerification bool `yaml:"-"`

	// NetworkRetry bounds ordinary network calls (manifest fetch, download).
	NetworkRetry retry.Policy `yaml:"-"`
	// SubmissionRetry bounds nightly-style update submissions, which must
	// ride out longer service outages.
	SubmissionRetry retry.Policy `yaml:"-"`
}

const (
	// DefaultConfigFilename is the default filename for operator settings.
	DefaultConfigFilename = "balrogscript-settings.yaml"

	// DefaultKeysDir is where signing public keys are looked up.
	DefaultKeysDir = "keys"

	// DefaultS3Region is used when neither flags, environment nor settings
	// name a region.
	DefaultS3Region = "us-east-1"

	// DefaultNameProbeLimit matches the publish protocol's probe bound.
	DefaultNameProbeLimit = 10

	// DefaultFilePermissions is the default file permission for settings files.
	DefaultFilePermissions = 0o600
)

// Environment variables honored by ApplyEnv.
const (
	EnvAPIRoot                = "BALROG_API_ROOT"
	EnvUsername               = "BALROG_USERNAME"
	EnvPassword               = "BALROG_PASSWORD"
	EnvS3Bucket               = "S3_BUCKET"
	EnvS3Region               = "AWS_REGION"
	EnvAWSAccessKeyID         = "AWS_ACCESS_KEY_ID"
	EnvAWSSecretAccessKey     = "AWS_SECRET_ACCESS_KEY"
	EnvDisableMARVerification = "MOZ_DISABLE_MAR_CERT_VERIFICATION"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errAPIRootRequired is returned when the Balrog API root is missing.
	errAPIRootRequired = errors.New("balrog api root must be provided")
	// errKeysDirRequired is returned when signature verification is active
	// but no key directory is configured.
	errKeysDirRequired = errors.New("keys directory must be provided")
)

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		S3Region:       DefaultS3Region,
		KeysDir:        DefaultKeysDir,
		NameProbeLimit: DefaultNameProbeLimit,
		NetworkRetry:   retry.DefaultPolicy(),
		SubmissionRetry: retry.Policy{
			Attempts:  30,
			BaseSleep: 10 * time.Second,
			MaxSleep:  60 * time.Second,
		},
	}
}

// Load reads operator settings from the provided path on top of the
// defaults. An empty path means the default filename, in which case a
// missing file is fine; an explicitly requested file must exist.
func Load(path string) (*Config, error) {
	cfg := New()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	return cfg, nil
}

// Save writes settings to the provided path. Fields tagged as per-run only
// are not persisted.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may carry credentials.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// ApplyEnv overlays environment variables onto the configuration. Only
// variables that are actually set participate, so file values survive an
// empty environment.
func (c *Config) ApplyEnv() {
	overlay := func(key string, target *string) {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			*target = value
		}
	}

	overlay(EnvAPIRoot, &c.APIRoot)
	overlay(EnvUsername, &c.Username)
	overlay(EnvPassword, &c.Password)
	overlay(EnvS3Bucket, &c.S3Bucket)
	overlay(EnvS3Region, &c.S3Region)
	overlay(EnvAWSAccessKeyID, &c.AWSAccessKeyID)
	overlay(EnvAWSSecretAccessKey, &c.AWSSecretAccessKey)

	if value, ok := os.LookupEnv(EnvDisableMARVerification); ok && value != "" {
		c.DisableMARVerification = true
	}
}

// Validate checks the configuration for required fields and formatting.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.APIRoot == "" {
		return errAPIRootRequired
	}

	if _, err := url.ParseRequestURI(cfg.APIRoot); err != nil {
		return fmt.Errorf("invalid balrog api root: %w", err)
	}

	if !cfg.DisableMARVerification && cfg.KeysDir == "" {
		return errKeysDirRequired
	}

	if cfg.NameProbeLimit <= 0 {
		cfg.NameProbeLimit = DefaultNameProbeLimit
	}

	return nil
}

// UploadsEnabled reports whether nightly-style entries may publish to S3.
// Uploads are off when explicitly disabled or when any piece of the bucket
// credentials is missing.
func (c *Config) UploadsEnabled() bool {
	if c.DisableS3 {
		return false
	}

	return c.S3Bucket != "" && c.AWSAccessKeyID != "" && c.AWSSecretAccessKey != ""
}
