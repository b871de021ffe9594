package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"agentboot/internal/config"
)

func metadataServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			http.Error(w, "missing metadata flavor", http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/computeMetadata/v1/instance/service-accounts/default/token":
			fmt.Fprint(w, `{"access_token":"tok","expires_in":3599}`)
		case "/computeMetadata/v1/project/project-id":
			fmt.Fprint(w, "proj-1")
		case "/computeMetadata/v1/project/numeric-project-id":
			fmt.Fprint(w, "123456")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func appDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.jar"), []byte("application"), 0o644); err != nil {
		t.Fatalf("write app file: %v", err)
	}
	return dir
}

// TestRunSelfTest drives run end to end against a storage backend that is
// permanently down. Normally that degrades to success with an empty option
// string; with self-test enabled the same condition must be a hard failure.
func TestRunSelfTest(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	storageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))
	defer storageSrv.Close()

	cfg := config.Config{
		AppDirs:         []string{appDir(t)},
		Module:          "checkout",
		Version:         "3",
		Backend:         config.BackendGCS,
		BucketPrefix:    "agentboot-deploy-",
		SourceBucket:    "agentboot-release",
		SourceObject:    "agent-archive-latest",
		StorageEndpoint: storageSrv.URL,
		MetadataBase:    metadataServer(t).URL,
		InstallRoot:     t.TempDir(),
		AgentBinary:     "agent.so",
		Attempts:        1,
	}

	t.Run("degrades without self-test", func(t *testing.T) {
		var stdout bytes.Buffer
		if err := run(context.Background(), cfg, &stdout); err != nil {
			t.Fatalf("run() error = %v, want degraded nil", err)
		}
		if got := stdout.String(); got != "\n" {
			t.Fatalf("stdout = %q, want a bare newline for an empty option string", got)
		}
	})

	t.Run("fails with self-test", func(t *testing.T) {
		selfTest := cfg
		selfTest.SelfTest = true
		var stdout bytes.Buffer
		if err := run(context.Background(), selfTest, &stdout); err == nil {
			t.Fatal("run() succeeded in self-test mode without a provisioned agent")
		}
		if stdout.Len() != 0 {
			t.Fatalf("stdout = %q, want no output on self-test failure", stdout.String())
		}
	})
}

func TestRunIdentityFailure(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	metaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no identity here", http.StatusNotFound)
	}))
	defer metaSrv.Close()

	cfg := config.Config{
		AppDirs:      []string{appDir(t)},
		Backend:      config.BackendGCS,
		BucketPrefix: "agentboot-deploy-",
		SourceBucket: "agentboot-release",
		SourceObject: "agent-archive-latest",
		MetadataBase: metaSrv.URL,
		InstallRoot:  t.TempDir(),
		AgentBinary:  "agent.so",
		Attempts:     1,
	}

	var stdout bytes.Buffer
	if err := run(context.Background(), cfg, &stdout); err == nil {
		t.Fatal("run() succeeded without a credential")
	}
}

func TestRootCommandFlags(t *testing.T) {
	flags := newRootCommand().Flags()
	for _, name := range []string{
		"app-dir", "module", "version", "backend", "bucket-prefix",
		"attempts", "install-root", "log-dir", "agent-logtostderr",
		"classpath", "service-account", "project-id", "project-number",
		"account-email", "key-file", "env-file", "verbose", "selftest",
	} {
		if flags.Lookup(name) == nil {
			t.Errorf("flag --%s is not registered", name)
		}
	}
}
