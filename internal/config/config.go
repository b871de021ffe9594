// Package config holds the immutable runtime configuration for agentboot.
// It is built exactly once in main from environment variables, an optional
// env file, and command-line flags; nothing else reads ambient state.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// RetryDelay is the fixed pause between provisioning attempts. It is not
// configurable; tests inject their own delay through the provisioner.
const RetryDelay = 5 * time.Second

// Backend names accepted by --backend.
const (
	BackendGCS = "gcs"
	BackendS3  = "s3"
)

// Config is the full runtime configuration. Flag values override the
// environment; see cmd/agentboot for the binding.
type Config struct {
	// Application content that feeds the deployment fingerprint.
	AppDirs []string `env:"AGENTBOOT_APP_DIRS"`
	Module  string   `env:"AGENTBOOT_MODULE"`
	Version string   `env:"AGENTBOOT_VERSION"`

	// Storage coordinates. The deployment bucket is BucketPrefix+ProjectID;
	// the canonical source object holds the newest released agent archive.
	Backend      string `env:"AGENTBOOT_BACKEND,default=gcs"`
	BucketPrefix string `env:"AGENTBOOT_BUCKET_PREFIX,default=agentboot-deploy-"`
	SourceBucket string `env:"AGENTBOOT_SOURCE_BUCKET,default=agentboot-release"`
	SourceObject string `env:"AGENTBOOT_SOURCE_OBJECT,default=agent-archive-latest"`

	// StorageEndpoint overrides the gcs backend's API endpoint, mainly for
	// tests. Empty means the production endpoint.
	StorageEndpoint string `env:"AGENTBOOT_STORAGE_ENDPOINT"`

	// Local installation layout.
	InstallRoot string   `env:"AGENTBOOT_INSTALL_ROOT,default=/opt/agentboot/agents"`
	AgentBinary string   `env:"AGENTBOOT_AGENT_BINARY,default=agent.so"`
	AgentLogDir string   `env:"AGENTBOOT_AGENT_LOG_DIR,default=/var/log/agentboot"`
	LogToStderr bool     `env:"AGENTBOOT_AGENT_LOGTOSTDERR,default=false"`
	Classpath   []string `env:"AGENTBOOT_CLASSPATH"`

	// Retry budget for the provisioning loop.
	Attempts int `env:"AGENTBOOT_ATTEMPTS,default=3"`

	// Identity. Ambient (instance metadata) unless ServiceAccount is set,
	// in which case the four auth parameters below are required.
	ServiceAccount bool   `env:"AGENTBOOT_SERVICE_ACCOUNT"`
	ProjectID      string `env:"AGENTBOOT_PROJECT_ID"`
	ProjectNumber  string `env:"AGENTBOOT_PROJECT_NUMBER"`
	AccountEmail   string `env:"AGENTBOOT_ACCOUNT_EMAIL"`
	KeyFile        string `env:"AGENTBOOT_KEY_FILE"`

	// Ambient metadata endpoint and the token-exchange helper used in
	// service-account mode. Overridable for tests.
	MetadataBase    string `env:"AGENTBOOT_METADATA_BASE,default=http://metadata.google.internal"`
	TokenHelperPath string `env:"AGENTBOOT_TOKEN_HELPER,default=/opt/agentboot/bin/token-helper"`
	TokenHelperURL  string `env:"AGENTBOOT_TOKEN_HELPER_URL"`

	Verbose  bool `env:"AGENTBOOT_VERBOSE"`
	SelfTest bool `env:"AGENTBOOT_SELFTEST"`
}

// Load populates a Config from the process environment, first sourcing
// envFile (if non-empty) into it.
func Load(ctx context.Context, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("source env file %q: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements that envconfig tags cannot
// express.
func (c Config) Validate() error {
	if len(c.AppDirs) == 0 {
		return fmt.Errorf("at least one application directory is required")
	}
	if c.Attempts <= 0 {
		return fmt.Errorf("attempts must be positive, got %d", c.Attempts)
	}
	switch c.Backend {
	case BackendGCS, BackendS3:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	if c.ServiceAccount {
		missing := make([]string, 0, 4)
		if c.ProjectID == "" {
			missing = append(missing, "project id")
		}
		if c.ProjectNumber == "" {
			missing = append(missing, "project number")
		}
		if c.AccountEmail == "" {
			missing = append(missing, "account email")
		}
		if c.KeyFile == "" {
			missing = append(missing, "key file")
		}
		if len(missing) > 0 {
			return fmt.Errorf("service-account mode requires %s", strings.Join(missing, ", "))
		}
	}
	return nil
}

// BucketName returns the per-project deployment bucket for projectID.
func (c Config) BucketName(projectID string) string {
	return c.BucketPrefix + projectID
}
