package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	return Config{
		AppDirs:      []string{"/srv/app"},
		Backend:      BackendGCS,
		BucketPrefix: "agentboot-deploy-",
		Attempts:     3,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid ambient",
			mutate: func(c *Config) {},
		},
		{
			name:    "no app dirs",
			mutate:  func(c *Config) { c.AppDirs = nil },
			wantErr: true,
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Attempts = 0 },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend = "ftp" },
			wantErr: true,
		},
		{
			name: "service account complete",
			mutate: func(c *Config) {
				c.ServiceAccount = true
				c.ProjectID = "proj-1"
				c.ProjectNumber = "123456"
				c.AccountEmail = "svc@example.iam"
				c.KeyFile = "/etc/keys/svc.json"
			},
		},
		{
			name: "service account missing key file",
			mutate: func(c *Config) {
				c.ServiceAccount = true
				c.ProjectID = "proj-1"
				c.ProjectNumber = "123456"
				c.AccountEmail = "svc@example.iam"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend != BackendGCS {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendGCS)
	}
	if cfg.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", cfg.Attempts)
	}
	if cfg.AgentBinary != "agent.so" {
		t.Errorf("AgentBinary = %q, want agent.so", cfg.AgentBinary)
	}
	if cfg.BucketPrefix != "agentboot-deploy-" {
		t.Errorf("BucketPrefix = %q", cfg.BucketPrefix)
	}
}

func TestLoadEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "agent.env")
	content := "AGENTBOOT_MODULE=checkout\nAGENTBOOT_VERSION=3\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("AGENTBOOT_MODULE", "")
	t.Setenv("AGENTBOOT_VERSION", "")
	os.Unsetenv("AGENTBOOT_MODULE")
	os.Unsetenv("AGENTBOOT_VERSION")

	cfg, err := Load(context.Background(), envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Module != "checkout" {
		t.Errorf("Module = %q, want checkout", cfg.Module)
	}
	if cfg.Version != "3" {
		t.Errorf("Version = %q, want 3", cfg.Version)
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatal("Load() succeeded with a missing env file")
	}
}

func TestBucketName(t *testing.T) {
	cfg := Config{BucketPrefix: "agentboot-deploy-"}
	if got := cfg.BucketName("proj-1"); got != "agentboot-deploy-proj-1" {
		t.Fatalf("BucketName() = %q", got)
	}
}
