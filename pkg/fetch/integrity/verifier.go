// Package integrity implements the incremental content hasher (C5): an
// in-order write cursor over a running SHA-256 context, buffering
// out-of-order chunk arrivals the way the parallel transport's stitched
// body buffers out-of-order chunk reads, until they can be drained in
// offset order.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"sync"
)

// Verifier feeds landed chunk bytes into a SHA-256 context in strictly
// increasing offset order, regardless of arrival order.
type Verifier struct {
	mu       sync.Mutex
	hasher   hash.Hash
	cursor   int64
	pending  map[int64][]byte
	finished bool
	sum      []byte
}

// New returns a Verifier with its cursor at offset 0.
func New() *Verifier {
	return &Verifier{
		hasher:  sha256.New(),
		pending: make(map[int64][]byte),
	}
}

// Land feeds the bytes landed for [offset, offset+len(data)) into the
// hasher. If offset equals the cursor, the bytes are hashed immediately
// and the cursor advances, draining any now-contiguous buffered chunks.
// Otherwise the chunk is buffered until earlier offsets land.
func (v *Verifier) Land(offset int64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.finished {
		return fmt.Errorf("integrity: Land called after Finalize")
	}

	if offset != v.cursor {
		cp := make([]byte, len(data))
		copy(cp, data)
		v.pending[offset] = cp
		return nil
	}

	if err := v.advance(data); err != nil {
		return err
	}

	for {
		next, ok := v.pending[v.cursor]
		if !ok {
			break
		}
		delete(v.pending, v.cursor)
		if err := v.advance(next); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) advance(data []byte) error {
	n, err := v.hasher.Write(data)
	if err != nil {
		return fmt.Errorf("integrity: hashing failed: %w", err)
	}
	v.cursor += int64(n)
	return nil
}

// Finalize returns the digest of all bytes landed so far. It is an error
// to call Land after Finalize.
func (v *Verifier) Finalize() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.finished {
		v.sum = v.hasher.Sum(nil)
		v.finished = true
	}
	return v.sum
}

// Cursor returns the current in-order write cursor, i.e. the number of
// bytes hashed so far.
func (v *Verifier) Cursor() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// PendingCount returns the number of out-of-order chunks currently
// buffered awaiting drain.
func (v *Verifier) PendingCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// Compare reports whether got matches want using a constant-time-agnostic
// byte comparison (hash comparison does not need to be constant-time: the
// digest is not a secret).
func Compare(got, want []byte) bool {
	return bytes.Equal(got, want)
}
