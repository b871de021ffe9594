package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGCSEnsureBucket(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/storage/v1/b" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("project"); got != "proj-1" {
			t.Errorf("project = %q", got)
		}
		calls++
		if calls == 1 {
			w.Write([]byte(`{"name":"bkt"}`))
			return
		}
		http.Error(w, "already exists", http.StatusConflict)
	}))
	defer srv.Close()

	store := NewGCS(srv.URL, "tok", srv.Client())
	for i := 0; i < 2; i++ {
		if err := store.EnsureBucket(context.Background(), "bkt", "proj-1"); err != nil {
			t.Fatalf("EnsureBucket() call %d error = %v", i+1, err)
		}
	}
	if calls != 2 {
		t.Fatalf("server saw %d create calls, want 2", calls)
	}
}

func TestGCSVerifyOwner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/v1/b/bkt" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"projectNumber":"123456"}`))
	}))
	defer srv.Close()

	store := NewGCS(srv.URL, "tok", srv.Client())

	if err := store.VerifyOwner(context.Background(), "bkt", "123456"); err != nil {
		t.Fatalf("VerifyOwner() matching error = %v", err)
	}

	err := store.VerifyOwner(context.Background(), "bkt", "999999")
	if err == nil {
		t.Fatal("VerifyOwner() succeeded on mismatch")
	}
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("VerifyOwner() error = %v, want ErrOwnerMismatch", err)
	}
}

func TestGCSDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Object names are path-escaped, slash included.
		if !strings.HasSuffix(r.URL.EscapedPath(), "/o/fp%2Fagent-archive") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("alt") != "media" {
			t.Errorf("alt = %q, want media", r.URL.Query().Get("alt"))
		}
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	store := NewGCS(srv.URL, "tok", srv.Client())

	var buf bytes.Buffer
	n, err := store.Download(context.Background(), "bkt", "fp/agent-archive", &buf)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if buf.String() != "archive-bytes" || n != int64(len("archive-bytes")) {
		t.Fatalf("Download() = %q (%d bytes)", buf.String(), n)
	}

	_, err = store.Download(context.Background(), "bkt", "missing/agent-archive", &buf)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download() missing object error = %v, want ErrNotFound", err)
	}
}

func TestGCSCopyIfAbsent(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		var sawPrecondition bool
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawPrecondition = r.URL.Query().Get("ifGenerationMatch") == "0"
			w.Write([]byte(`{"done":true}`))
		}))
		defer srv.Close()

		created, err := NewGCS(srv.URL, "tok", srv.Client()).
			CopyIfAbsent(context.Background(), "src", "obj", "dst", "fp/agent-archive")
		if err != nil {
			t.Fatalf("CopyIfAbsent() error = %v", err)
		}
		if !created {
			t.Fatal("CopyIfAbsent() = false, want true")
		}
		if !sawPrecondition {
			t.Fatal("rewrite request missing ifGenerationMatch=0")
		}
	})

	t.Run("lost race is benign", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		}))
		defer srv.Close()

		created, err := NewGCS(srv.URL, "tok", srv.Client()).
			CopyIfAbsent(context.Background(), "src", "obj", "dst", "key")
		if err != nil {
			t.Fatalf("CopyIfAbsent() error = %v", err)
		}
		if created {
			t.Fatal("CopyIfAbsent() = true after lost race")
		}
	})

	t.Run("multi-call rewrite", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.Write([]byte(`{"done":false,"rewriteToken":"tok-1"}`))
				return
			}
			if got := r.URL.Query().Get("rewriteToken"); got != "tok-1" {
				t.Errorf("rewriteToken = %q, want tok-1", got)
			}
			w.Write([]byte(`{"done":true}`))
		}))
		defer srv.Close()

		created, err := NewGCS(srv.URL, "tok", srv.Client()).
			CopyIfAbsent(context.Background(), "src", "obj", "dst", "key")
		if err != nil {
			t.Fatalf("CopyIfAbsent() error = %v", err)
		}
		if !created || calls != 2 {
			t.Fatalf("CopyIfAbsent() = %v after %d calls, want true after 2", created, calls)
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		if _, err := NewGCS(srv.URL, "tok", srv.Client()).
			CopyIfAbsent(context.Background(), "src", "obj", "dst", "key"); err == nil {
			t.Fatal("CopyIfAbsent() succeeded on server error")
		}
	})
}
