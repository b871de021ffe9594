// Package fingerprint derives the deterministic deployment fingerprint that
// keys every artifact operation. Identical application bytes plus an
// identical metadata tuple always produce the identical fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Metadata is the deployment metadata folded into the fingerprint alongside
// the application content.
type Metadata struct {
	ProjectID      string
	Module         string
	Version        string
	ServiceAccount bool
}

func (m Metadata) tuple() string {
	return fmt.Sprintf("%s|%s|%s|%t", m.ProjectID, m.Module, m.Version, m.ServiceAccount)
}

// Compute hashes every regular file under dirs (symlinks followed), sorted
// by full path for determinism, concatenates the per-file digests, appends
// the metadata tuple and digests once more. The result is lowercase hex.
func Compute(dirs []string, meta Metadata) (string, error) {
	var files []string
	for _, dir := range dirs {
		listed, err := listFiles(dir)
		if err != nil {
			return "", err
		}
		files = append(files, listed...)
	}
	sort.Strings(files)

	sum := sha256.New()
	for _, path := range files {
		digest, err := hashFile(path)
		if err != nil {
			return "", err
		}
		sum.Write(digest)
	}
	io.WriteString(sum, meta.tuple())
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// listFiles walks root recursively, resolving symlinks to their targets so
// that linked content counts toward the fingerprint.
func listFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("application path %q is not a directory", root)
	}

	var files []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read dir %q: %w", dir, err)
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			fi, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %q: %w", path, err)
			}
			switch {
			case fi.IsDir():
				if err := walk(path); err != nil {
					return err
				}
			case fi.Mode().IsRegular():
				files = append(files, path)
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return files, nil
}

func hashFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return nil, fmt.Errorf("hash %q: %w", path, err)
	}
	return hash.Sum(nil), nil
}
