package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomic writes data to dir/filepath.Base(name), never leaving a
// partially-written file at the destination path: it writes to a sibling
// temp file in dir and renames it into place, which POSIX guarantees is
// atomic within a single filesystem (spec §4.5 "write atomically to the
// destination path"). filepath.Base strips any directory components a
// peer's offered file name carries, so an inbound transfer can never write
// outside dir.
func writeFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(name))
	tmp, err := os.CreateTemp(dir, ".axterm-transfer-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
