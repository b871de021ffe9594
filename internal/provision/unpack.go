package provision

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// unpackArchive extracts a tar archive compressed with zstd or gzip into
// dest. The compression is sniffed from the stream's magic bytes.
func unpackArchive(src io.Reader, dest string) error {
	buffered := bufio.NewReader(src)
	head, err := buffered.Peek(4)
	if err != nil {
		return fmt.Errorf("read archive header: %w", err)
	}

	var decoded io.Reader
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		decoder, err := zstd.NewReader(buffered)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		decoded = decoder
	case bytes.HasPrefix(head, gzipMagic):
		decoder, err := gzip.NewReader(buffered)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer decoder.Close()
		decoded = decoder
	default:
		return fmt.Errorf("unrecognized archive format (magic %x)", head)
	}

	tr := tar.NewReader(decoded)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(header.Name)
		if name == "." {
			continue
		}
		target := filepath.Join(dest, name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid entry path %q", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %q: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir %q: %w", filepath.Dir(name), err)
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return fmt.Errorf("create %q: %w", name, err)
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return fmt.Errorf("write %q: %w", name, err)
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("close %q: %w", name, err)
			}
		default:
			// Symlinks and special files are not part of agent archives.
			continue
		}
	}
	return nil
}
