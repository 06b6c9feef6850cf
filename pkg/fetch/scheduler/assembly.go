// Package scheduler implements the bounded-concurrency orchestrator that
// drives a PARALLEL-mode fetch: it splits the target range into chunks,
// feeds completed byte counts to the bandwidth estimator, consults the
// chunker and connection optimizer for sizing, and routes errors through
// the retry classifier. It is grounded on the chunk-splitting and
// positioned-write ideas of the parallel transport it replaces, generalized
// from an http.RoundTripper decorator into a standalone scheduler that
// writes to a pre-sized assembly file instead of stitching an in-memory
// response body.
package scheduler

import (
	"fmt"
	"os"
)

// Assembly is the on-disk `.partial` file a fetch writes into. It is
// pre-sized to the target's total size where known, so that out-of-order
// positioned writes never require seek-and-extend handling.
type Assembly struct {
	file *os.File
	path string
}

// OpenAssembly opens the file at path, creating it if needed and keeping
// any existing content (the landed bytes of a resumed fetch), and, if
// totalSize is known (> 0), sizes it to totalSize as a sparse file.
func OpenAssembly(path string, totalSize int64) (*Assembly, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("assembly: open %s: %w", path, err)
	}
	if totalSize > 0 {
		if err := f.Truncate(totalSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("assembly: truncate %s: %w", path, err)
		}
	}
	return &Assembly{file: f, path: path}, nil
}

// WriteAt writes data at the given offset, independent of any other
// in-flight write.
func (a *Assembly) WriteAt(data []byte, offset int64) error {
	_, err := a.file.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("assembly: write at %d: %w", offset, err)
	}
	return nil
}

// ReadAt reads len(data) bytes starting at offset, for seeding the
// integrity verifier's cursor on a resumed fetch.
func (a *Assembly) ReadAt(data []byte, offset int64) error {
	_, err := a.file.ReadAt(data, offset)
	if err != nil {
		return fmt.Errorf("assembly: read at %d: %w", offset, err)
	}
	return nil
}

// Sync flushes the assembly file to stable storage.
func (a *Assembly) Sync() error {
	return a.file.Sync()
}

// Close closes the underlying file handle without removing it, leaving it
// in place for a future resume.
func (a *Assembly) Close() error {
	return a.file.Close()
}

// Remove closes and deletes the assembly file; used on integrity mismatch
// or any other fatal, non-resumable failure.
func (a *Assembly) Remove() error {
	a.file.Close()
	return os.Remove(a.path)
}

// Finalize fsyncs the assembly, closes it, and atomically renames it to
// targetPath.
func (a *Assembly) Finalize(targetPath string) error {
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("assembly: sync: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("assembly: close: %w", err)
	}
	if err := os.Rename(a.path, targetPath); err != nil {
		return fmt.Errorf("assembly: rename %s -> %s: %w", a.path, targetPath, err)
	}
	return nil
}
