package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"agentboot/internal/config"
	"agentboot/internal/fingerprint"
	"agentboot/internal/identity"
	"agentboot/internal/launch"
	"agentboot/internal/provision"
	"agentboot/internal/storage"
	"agentboot/internal/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		envFile        string
		appDirs        []string
		module         string
		version        string
		backend        string
		bucketPrefix   string
		attempts       int
		installRoot    string
		logDir         string
		logToStderr    bool
		classpath      []string
		serviceAccount bool
		projectID      string
		projectNumber  string
		accountEmail   string
		keyFile        string
		verbose        bool
		selfTest       bool
	)

	cmd := &cobra.Command{
		Use:   "agentboot",
		Short: "Provision the versioned diagnostic agent before launching a managed process",
		Long: `agentboot fingerprints the current deployment, publishes or fetches the
matching agent archive from shared object storage, installs it locally, and
prints the agent option string for the downstream launch command. When the
agent cannot be provisioned the process still exits successfully with an
empty option string, so application startup is never blocked.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(ctx, envFile)
			if err != nil {
				return err
			}

			// Flags override the environment.
			flags := cmd.Flags()
			if flags.Changed("app-dir") {
				cfg.AppDirs = appDirs
			}
			if flags.Changed("module") {
				cfg.Module = module
			}
			if flags.Changed("version") {
				cfg.Version = version
			}
			if flags.Changed("backend") {
				cfg.Backend = backend
			}
			if flags.Changed("bucket-prefix") {
				cfg.BucketPrefix = bucketPrefix
			}
			if flags.Changed("attempts") {
				cfg.Attempts = attempts
			}
			if flags.Changed("install-root") {
				cfg.InstallRoot = installRoot
			}
			if flags.Changed("log-dir") {
				cfg.AgentLogDir = logDir
			}
			if flags.Changed("agent-logtostderr") {
				cfg.LogToStderr = logToStderr
			}
			if flags.Changed("classpath") {
				cfg.Classpath = classpath
			}
			if flags.Changed("service-account") {
				cfg.ServiceAccount = serviceAccount
			}
			if flags.Changed("project-id") {
				cfg.ProjectID = projectID
			}
			if flags.Changed("project-number") {
				cfg.ProjectNumber = projectNumber
			}
			if flags.Changed("account-email") {
				cfg.AccountEmail = accountEmail
			}
			if flags.Changed("key-file") {
				cfg.KeyFile = keyFile
			}
			if flags.Changed("verbose") {
				cfg.Verbose = verbose
			}
			if flags.Changed("selftest") {
				cfg.SelfTest = selfTest
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "Optional file with additional KEY=VALUE configuration")
	cmd.Flags().StringArrayVar(&appDirs, "app-dir", nil, "Application directory feeding the deployment fingerprint (repeatable)")
	cmd.Flags().StringVar(&module, "module", "", "Deployment module name")
	cmd.Flags().StringVar(&version, "version", "", "Deployment version label")
	cmd.Flags().StringVar(&backend, "backend", config.BackendGCS, "Storage backend: gcs or s3")
	cmd.Flags().StringVar(&bucketPrefix, "bucket-prefix", "", "Prefix for the per-project deployment bucket")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Provisioning attempt budget")
	cmd.Flags().StringVar(&installRoot, "install-root", "", "Root directory for local agent installations")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "Log directory passed to the agent")
	cmd.Flags().BoolVar(&logToStderr, "agent-logtostderr", false, "Tell the agent to log to stderr")
	cmd.Flags().StringArrayVar(&classpath, "classpath", nil, "Extra class-path entry passed to the agent (repeatable)")
	cmd.Flags().BoolVar(&serviceAccount, "service-account", false, "Authenticate with a service-account key instead of ambient identity")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Project id (service-account mode)")
	cmd.Flags().StringVar(&projectNumber, "project-number", "", "Project number (service-account mode)")
	cmd.Flags().StringVar(&accountEmail, "account-email", "", "Service-account email (service-account mode)")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Service-account private-key file (service-account mode)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	cmd.Flags().BoolVar(&selfTest, "selftest", false, "Fail instead of degrading when the agent cannot be provisioned")
	return cmd
}

func run(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Str("run_id", uuid.NewString()).Logger()

	shutdown, err := telemetry.Init(ctx, "agentboot")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	cred, err := credential(ctx, cfg)
	if err != nil {
		return fmt.Errorf("acquire credential: %w", err)
	}
	log.Debug().
		Str("mechanism", string(cred.Mechanism)).
		Str("project_id", cred.ProjectID).
		Msg("credential acquired")

	fp, err := fingerprint.Compute(cfg.AppDirs, fingerprint.Metadata{
		ProjectID:      cred.ProjectID,
		Module:         cfg.Module,
		Version:        cfg.Version,
		ServiceAccount: cfg.ServiceAccount,
	})
	if err != nil {
		return fmt.Errorf("compute fingerprint: %w", err)
	}
	log.Info().Str("fingerprint", fp).Msg("deployment fingerprint computed")

	store, err := newStore(ctx, cfg, cred)
	if err != nil {
		return err
	}

	prov, err := provision.New(provision.Params{
		Store:         store,
		Bucket:        cfg.BucketName(cred.ProjectID),
		ProjectID:     cred.ProjectID,
		ExpectedOwner: cred.ProjectNumber,
		SourceBucket:  cfg.SourceBucket,
		SourceObject:  cfg.SourceObject,
		InstallRoot:   cfg.InstallRoot,
		Binary:        cfg.AgentBinary,
		Attempts:      cfg.Attempts,
		Delay:         config.RetryDelay,
		Log:           log,
	})
	if err != nil {
		return err
	}

	installed, err := prov.Run(ctx, fp)
	if err != nil {
		return err
	}

	options := launch.Format(launch.Options{
		InstallDir:     prov.InstallDir(fp),
		Binary:         cfg.AgentBinary,
		LogDir:         cfg.AgentLogDir,
		LogToStderr:    cfg.LogToStderr,
		Module:         cfg.Module,
		Version:        cfg.Version,
		Classpath:      cfg.Classpath,
		ServiceAccount: cfg.ServiceAccount,
		ProjectID:      cred.ProjectID,
		ProjectNumber:  cred.ProjectNumber,
		AccountEmail:   cfg.AccountEmail,
		KeyFile:        cfg.KeyFile,
	})

	if cfg.SelfTest && (!installed || options == "") {
		return fmt.Errorf("self-test: agent was not provisioned")
	}
	if options == "" {
		log.Warn().Msg("agent not available, launching without diagnostic agent")
	}

	fmt.Fprintln(stdout, options)
	return nil
}

// credential selects the identity mechanism once; nothing downstream
// branches on it again.
func credential(ctx context.Context, cfg config.Config) (identity.Credential, error) {
	var source identity.TokenSource
	if cfg.ServiceAccount {
		source = &identity.ServiceAccount{
			ProjectID:     cfg.ProjectID,
			ProjectNumber: cfg.ProjectNumber,
			Email:         cfg.AccountEmail,
			KeyFile:       cfg.KeyFile,
			HelperPath:    cfg.TokenHelperPath,
			HelperURL:     cfg.TokenHelperURL,
		}
	} else {
		source = identity.NewMetadata(cfg.MetadataBase, nil)
	}
	return source.Credential(ctx)
}

func newStore(ctx context.Context, cfg config.Config, cred identity.Credential) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendGCS:
		return storage.NewGCS(cfg.StorageEndpoint, cred.Token, nil), nil
	case config.BackendS3:
		return storage.NewS3FromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
