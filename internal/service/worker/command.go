package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Callek/balrogscript/internal/balrog"
	"github.com/Callek/balrogscript/internal/config"
	"github.com/Callek/balrogscript/internal/logger"
	"github.com/Callek/balrogscript/internal/manifest"
	"github.com/Callek/balrogscript/internal/mar"
	"github.com/Callek/balrogscript/internal/publish"
	"github.com/Callek/balrogscript/internal/repository/blob"
	"github.com/Callek/balrogscript/internal/taskdef"
)

var errTaskPathRequired = errors.New("a task definition path is required")

// Options are inputs accepted by the submission entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// TaskPath is the path to the task definition JSON driving this run.
	TaskPath string
	// Overrides is applied to the configuration after file and environment
	// loading; the CLI uses it to layer changed flags on top.
	Overrides func(*config.Config)
}

// Run executes one submission run and is the public entry point for the CLI:
// it loads the configuration and task, fetches the manifest and processes
// every entry in order.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "balrogscript")

	r, err := newRunner(ctx, opts)
	if err != nil {
		return err
	}

	if err = r.run(ctx); err != nil {
		logger.ErrorKV(ctx, "Submission run failed", "error", err)
		return err
	}

	logger.Info(ctx, "Submission run completed")

	return nil
}

// newRunner assembles the pipeline from the configuration: trust keys,
// manifest fetcher, submission client and, when credentials allow, the
// package publisher.
func newRunner(ctx context.Context, opts *Options) (*runner, error) {
	if opts.TaskPath == "" {
		return nil, errTaskPathRequired
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnv()

	if opts.Overrides != nil {
		opts.Overrides(cfg)
	}

	if err = config.Validate(cfg); err != nil {
		return nil, err
	}

	task, err := taskdef.Load(opts.TaskPath)
	if err != nil {
		return nil, err
	}

	r := &runner{
		cfg:        cfg,
		task:       task,
		fetcher:    manifest.NewFetcher(cfg.NetworkRetry),
		client:     balrog.NewClient(cfg.APIRoot, cfg.Username, cfg.Password),
		httpClient: http.DefaultClient,
	}

	if cfg.DisableMARVerification {
		logger.Warn(ctx, "Package signature verification is DISABLED")
	} else {
		ring, err := mar.LoadKeyRing(cfg.KeysDir)
		if err != nil {
			return nil, err
		}

		r.keys, err = ring.KeysFor(task.SigningCert)
		if err != nil {
			return nil, err
		}
	}

	if cfg.UploadsEnabled() {
		store, err := blob.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region,
			cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("initialize blob store: %w", err)
		}

		r.publisher = publish.NewPublisher(store, publish.WithNameProbeLimit(cfg.NameProbeLimit))
	} else {
		logger.Warn(ctx, "Uploads are disabled, nightly-style entries cannot be processed")
	}

	return r, nil
}
