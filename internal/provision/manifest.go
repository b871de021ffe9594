package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const manifestFileName = "install.yaml"

// InstallManifest records what was installed into a local installation
// directory. The archive checksum is recorded for audit only; nothing
// verifies it against a trusted source.
type InstallManifest struct {
	Fingerprint   string    `yaml:"fingerprint"`
	SourceBucket  string    `yaml:"source_bucket"`
	SourceObject  string    `yaml:"source_object"`
	ArchiveSize   int64     `yaml:"archive_size"`
	ArchiveSHA256 string    `yaml:"archive_sha256"`
	InstalledAt   time.Time `yaml:"installed_at"`
}

func writeManifest(dir string, m InstallManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal install manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFileName), data, 0o644); err != nil {
		return fmt.Errorf("write install manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the install manifest from an installation directory.
func ReadManifest(dir string) (InstallManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return InstallManifest{}, fmt.Errorf("read install manifest: %w", err)
	}
	var m InstallManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return InstallManifest{}, fmt.Errorf("unmarshal install manifest: %w", err)
	}
	return m, nil
}
