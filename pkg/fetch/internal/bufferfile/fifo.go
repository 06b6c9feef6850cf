// Package bufferfile provides a temp-file-backed FIFO used by the
// scheduler as a per-chunk write-behind buffer: a goroutine writes
// arriving socket bytes into a FIFO while the chunk's own worker drains it
// into an in-memory buffer that is then landed at the chunk's file offset,
// decoupling socket-read throughput from the pace of the drain without
// requiring the two to interleave directly.
package bufferfile

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// FIFO is an io.ReadWriteCloser backed by a temporary file. Reads begin
// from the start of the file; writes always append. Read and Write
// maintain independent positions and may run concurrently.
type FIFO struct {
	file *os.File

	mu   sync.Mutex
	cond *sync.Cond

	readPos  int64
	writePos int64

	closed      bool
	writeClosed bool
	writeErr    error
}

// NewFIFOInDir creates a FIFO backed by a temporary file in dir (system
// temp dir if empty). The caller must call Close to remove it.
func NewFIFOInDir(dir string) (*FIFO, error) {
	file, err := os.CreateTemp(dir, "fluxion-chunk-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("bufferfile: create temp file: %w", err)
	}
	f := &FIFO{file: file}
	f.cond = sync.NewCond(&f.mu)
	return f, nil
}

// Write appends p to the FIFO.
func (f *FIFO) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.writeClosed {
		return 0, fmt.Errorf("bufferfile: write to closed FIFO")
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if len(p) == 0 {
		return 0, nil
	}

	if _, err := f.file.Seek(f.writePos, io.SeekStart); err != nil {
		f.writeErr = fmt.Errorf("bufferfile: seek to write position: %w", err)
		return 0, f.writeErr
	}

	n, err := f.file.Write(p)
	if n > 0 {
		f.writePos += int64(n)
		f.cond.Broadcast()
	}
	if err != nil {
		f.writeErr = fmt.Errorf("bufferfile: write: %w", err)
		return n, f.writeErr
	}
	return n, nil
}

// Read blocks until data is available or the FIFO is closed/drained.
func (f *FIFO) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.closed {
			return 0, io.EOF
		}
		if f.writePos-f.readPos > 0 {
			return f.readLocked(p)
		}
		if f.writeClosed {
			return 0, io.EOF
		}
		f.cond.Wait()
	}
}

func (f *FIFO) readLocked(p []byte) (int, error) {
	available := f.writePos - f.readPos
	toRead := int64(len(p))
	if toRead > available {
		toRead = available
	}
	if _, err := f.file.Seek(f.readPos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("bufferfile: seek to read position: %w", err)
	}
	n, err := f.file.Read(p[:toRead])
	if n > 0 {
		f.readPos += int64(n)
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("bufferfile: read: %w", err)
	}
	return n, nil
}

// CloseWrite signals that no more data will be written; readers drain the
// remainder and then see EOF.
func (f *FIFO) CloseWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeClosed = true
	f.cond.Broadcast()
}

// Close tears down the FIFO and removes its backing file.
func (f *FIFO) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.cond.Broadcast()

	var err error
	if f.file != nil {
		name := f.file.Name()
		if cerr := f.file.Close(); cerr != nil {
			err = fmt.Errorf("bufferfile: close file: %w", cerr)
		}
		if rerr := os.Remove(name); rerr != nil {
			if err != nil {
				err = fmt.Errorf("%w; also failed to remove temp file: %v", err, rerr)
			} else {
				err = fmt.Errorf("bufferfile: remove temp file: %w", rerr)
			}
		}
		f.file = nil
	}
	return err
}
