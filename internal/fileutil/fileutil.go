package fileutil

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteResult describes a completed WriteAtomic.
type WriteResult struct {
	Bytes  int64
	SHA256 []byte
}

// WriteAtomic streams r into dst through a temporary file in the same
// directory and renames it into place only after a complete copy. On any
// error the temporary file is removed and dst is left untouched.
func WriteAtomic(dst string, r io.Reader, mode os.FileMode) (WriteResult, error) {
	var result WriteResult

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return result, fmt.Errorf("create directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return result, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return result, err
	}
	if err := tmp.Chmod(mode); err != nil {
		return result, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return result, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return result, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return result, fmt.Errorf("rename into place: %w", err)
	}
	committed = true

	result.Bytes = written
	result.SHA256 = hasher.Sum(nil)
	return result, nil
}
