package identity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ServiceAccount exchanges a service-account private key for a bearer token
// through a helper binary. The helper is fetched once over HTTP if it is
// not already cached at HelperPath.
type ServiceAccount struct {
	ProjectID     string
	ProjectNumber string
	Email         string
	KeyFile       string

	// HelperPath is where the token helper lives (or is cached after
	// download from HelperURL).
	HelperPath string
	HelperURL  string

	Client *http.Client
}

// Credential ensures the helper is present, execs it with the account email
// and key file, and reads the bearer token from its stdout. Helper stderr is
// surfaced inside the returned error on failure.
func (s *ServiceAccount) Credential(ctx context.Context) (Credential, error) {
	if err := s.ensureHelper(ctx); err != nil {
		return Credential{}, err
	}

	cmd := exec.CommandContext(ctx, s.HelperPath, "--email", s.Email, "--key-file", s.KeyFile)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return Credential{}, fmt.Errorf("token helper: %w", err)
		}
		return Credential{}, fmt.Errorf("token helper: %w: %s", err, detail)
	}

	token := strings.TrimSpace(stdout.String())
	if token == "" {
		return Credential{}, fmt.Errorf("token helper produced no token")
	}

	return Credential{
		Token:         token,
		ProjectID:     s.ProjectID,
		ProjectNumber: s.ProjectNumber,
		Mechanism:     MechanismServiceAccount,
	}, nil
}

func (s *ServiceAccount) ensureHelper(ctx context.Context) error {
	if _, err := os.Stat(s.HelperPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat token helper: %w", err)
	}
	if s.HelperURL == "" {
		return fmt.Errorf("token helper %q not found and no download URL configured", s.HelperPath)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.HelperURL, nil)
	if err != nil {
		return fmt.Errorf("create helper download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download token helper: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download token helper: status %d", resp.StatusCode)
	}

	dir := filepath.Dir(s.HelperPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create helper dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "token-helper-*")
	if err != nil {
		return fmt.Errorf("create helper temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write token helper: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close token helper: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod token helper: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.HelperPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install token helper: %w", err)
	}
	return nil
}
