package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"agentboot/internal/storage"
)

// InstallDir returns the local installation directory for a fingerprint.
func (p *Provisioner) InstallDir(fp string) string {
	return filepath.Join(p.installRoot, fp)
}

// Installed reports whether the expected agent binary is already present in
// the local installation for fp. Local disk is read optimistically; only
// cross-host racing on shared storage is defended against.
func (p *Provisioner) Installed(fp string) bool {
	_, err := os.Stat(filepath.Join(p.InstallDir(fp), p.binary))
	return err == nil
}

// ensureArtifact converges on an installed artifact for fp:
// fetch; if absent, publish the canonical source with a create-if-absent
// copy (a lost race is a benign no-op); then fetch once more. Whichever
// writer won, the object now exists, so the second fetch is expected to
// succeed.
func (p *Provisioner) ensureArtifact(ctx context.Context, fp string) error {
	if p.Installed(fp) {
		p.log.Debug().Str("fingerprint", fp).Msg("agent already installed, skipping fetch")
		return nil
	}

	key := fp + "/" + archiveObjectName

	fetchErr := p.fetchAndUnpack(ctx, fp, key)
	if fetchErr == nil {
		return nil
	}
	if !errors.Is(fetchErr, storage.ErrNotFound) {
		p.log.Debug().Err(fetchErr).Msg("initial fetch failed, publishing before retry")
	}

	created, err := p.store.CopyIfAbsent(ctx, p.sourceBucket, p.sourceObject, p.bucket, key)
	if err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	if created {
		p.log.Info().Str("object", key).Msg("published agent archive for this deployment")
	} else {
		p.log.Debug().Str("object", key).Msg("agent archive already published by another writer")
	}

	return p.fetchAndUnpack(ctx, fp, key)
}

func (p *Provisioner) fetchAndUnpack(ctx context.Context, fp, key string) error {
	if err := os.MkdirAll(p.installRoot, 0o755); err != nil {
		return fmt.Errorf("create install root: %w", err)
	}

	tmp, err := os.CreateTemp(p.installRoot, "archive-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hash := sha256.New()
	size, err := p.store.Download(ctx, p.bucket, key, io.MultiWriter(tmp, hash))
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind temp archive: %w", err)
	}

	staging, err := os.MkdirTemp(p.installRoot, fp+".staging-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := unpackArchive(tmp, staging); err != nil {
		return fmt.Errorf("unpack archive: %w", err)
	}
	if err := writeManifest(staging, InstallManifest{
		Fingerprint:   fp,
		SourceBucket:  p.sourceBucket,
		SourceObject:  p.sourceObject,
		ArchiveSize:   size,
		ArchiveSHA256: hex.EncodeToString(hash.Sum(nil)),
		InstalledAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}

	dir := p.InstallDir(fp)
	if err := os.Rename(staging, dir); err != nil {
		// A previous partial run may have left the directory behind; if a
		// complete install is already there, keep it.
		if p.Installed(fp) {
			return nil
		}
		return fmt.Errorf("move installation into place: %w", err)
	}

	p.log.Info().Str("fingerprint", fp).Str("dir", dir).Int64("bytes", size).Msg("agent installed")
	return nil
}
