package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/Callek/balrogscript/internal/config"
	"github.com/Callek/balrogscript/internal/logger"
	"github.com/Callek/balrogscript/internal/service/worker"
	"github.com/Callek/balrogscript/internal/version"
)

var errUnknownLogLevel = errors.New("unknown log level")

var (
	// configPath to the operator settings YAML file.
	configPath string
	// taskPath to the task definition JSON file.
	taskPath string
	// logLevel overrides the default logging level by name.
	logLevel string
	// verbose switches debug logging on, overriding logLevel.
	verbose bool
	// dummy appends a "-dummy" suffix to submitted release names.
	dummy bool

	// Per-run overrides for settings normally read from the settings file or
	// the environment.
	apiRoot      string
	username     string
	password     string
	s3Bucket     string
	s3Region     string
	awsKeyID     string
	awsKeySecret string
	keysDir      string
	disableS3    bool

	// rootCmd represents the base command for processing a signing task.
	rootCmd = &cobra.Command{
		Use:   "balrogscript",
		Short: "Publish update packages and submit them to Balrog.",
		Long: `Processes a signing task: fetches the manifest it points at, verifies the
signatures of the update packages it lists, publishes nightly-style packages
to S3 and submits every update to the Balrog admin API.

Credentials and endpoints are read from the settings file and the
environment; flags override both. Release-style entries reference packages
Balrog already knows about and skip the upload step.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := applyLogLevel(); err != nil {
				return err
			}

			flags := cmd.Flags()
			options := &worker.Options{
				ConfigPath: configPath,
				TaskPath:   taskPath,
				Overrides: func(cfg *config.Config) {
					// Dummy is per run only, nothing else sets it.
					cfg.Dummy = dummy

					if flags.Changed("balrog-api-root") {
						cfg.APIRoot = apiRoot
					}

					if flags.Changed("balrog-username") {
						cfg.Username = username
					}

					if flags.Changed("balrog-password") {
						cfg.Password = password
					}

					if flags.Changed("s3-bucket") {
						cfg.S3Bucket = s3Bucket
					}

					if flags.Changed("s3-region") {
						cfg.S3Region = s3Region
					}

					if flags.Changed("aws-access-key-id") {
						cfg.AWSAccessKeyID = awsKeyID
					}

					if flags.Changed("aws-secret-access-key") {
						cfg.AWSSecretAccessKey = awsKeySecret
					}

					if flags.Changed("keys-dir") {
						cfg.KeysDir = keysDir
					}

					if flags.Changed("disable-s3") {
						cfg.DisableS3 = disableS3
					}
				},
			}

			return worker.Run(ctx, options)
		},
	}
)

// Execute runs the balrogscript CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyLogLevel raises the global logging level per the verbosity flags.
func applyLogLevel() error {
	if logLevel != "" {
		level, ok := logger.ParseLogLevel(logLevel)
		if !ok {
			return fmt.Errorf("%w: %q", errUnknownLogLevel, logLevel)
		}

		logger.SetLevel(level)
	}

	if verbose {
		logger.SetLevel(zapcore.DebugLevel)
	}

	return nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVar(&taskPath, "taskdef", "", "path to the task definition file")
	rootCmd.Flags().
		StringVarP(&configPath, "config", "c", "", "path to settings file (default "+config.DefaultConfigFilename+")")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "logging level: debug, info, warn, error or fatal")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.Flags().BoolVarP(&dummy, "dummy", "d", false, "append a -dummy suffix to submitted release names")

	rootCmd.Flags().StringVar(&apiRoot, "balrog-api-root", "", "base URL of the Balrog admin API")
	rootCmd.Flags().StringVar(&username, "balrog-username", "", "Balrog admin API username")
	rootCmd.Flags().StringVar(&password, "balrog-password", "", "Balrog admin API password")
	rootCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket receiving update packages")
	rootCmd.Flags().StringVar(&s3Region, "s3-region", "", "AWS region hosting the S3 bucket")
	rootCmd.Flags().StringVar(&awsKeyID, "aws-access-key-id", "", "AWS access key id for uploads")
	rootCmd.Flags().StringVar(&awsKeySecret, "aws-secret-access-key", "", "AWS secret access key for uploads")
	rootCmd.Flags().StringVar(&keysDir, "keys-dir", "", "directory holding trusted signing keys")
	rootCmd.Flags().BoolVar(&disableS3, "disable-s3", false, "skip package uploads")

	err := rootCmd.MarkFlagRequired("taskdef")
	if err != nil {
		panic(err)
	}
}
