package scheduler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
)

type fakeSession struct{}

func (fakeSession) Close() error { return nil }

// fakeHandler serves ranges out of an in-memory buffer, optionally failing
// the first N reads of a given offset to exercise the retry path.
type fakeHandler struct {
	mu       sync.Mutex
	data     []byte
	failOnce map[int64]int
	maxConc  int
}

func (h *fakeHandler) Schemes() []string { return []string{"fake"} }

func (h *fakeHandler) Probe(ctx context.Context, t fetch.Target, opts protocol.Options) (fetch.ProbeResult, error) {
	return fetch.ProbeResult{ContentLength: int64(len(h.data)), SupportsRange: true}, nil
}

func (h *fakeHandler) Open(ctx context.Context, t fetch.Target, opts protocol.Options) (protocol.Session, error) {
	return fakeSession{}, nil
}

func (h *fakeHandler) ReadRange(ctx context.Context, s protocol.Session, offset, length int64) (io.ReadCloser, error) {
	h.mu.Lock()
	if h.failOnce != nil && h.failOnce[offset] > 0 {
		h.failOnce[offset]--
		h.mu.Unlock()
		return nil, errTransient
	}
	h.mu.Unlock()
	end := offset + length
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return io.NopCloser(bytes.NewReader(h.data[offset:end])), nil
}

func (h *fakeHandler) ReadAll(ctx context.Context, s protocol.Session) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h.data)), nil
}

func (h *fakeHandler) SupportsRange() bool      { return true }
func (h *fakeHandler) MaxConcurrentStreams() int { return h.maxConc }

type transientErr struct{}

func (transientErr) Error() string   { return "connection reset" }
func (transientErr) Timeout() bool   { return true }
func (transientErr) Temporary() bool { return true }

var errTransient error = transientErr{}

func newTestData(n int) []byte {
	r := rand.New(rand.NewSource(1))
	data := make([]byte, n)
	r.Read(data)
	return data
}

func TestScheduler_LandsFullObjectInOrder(t *testing.T) {
	data := newTestData(5 * 1024 * 1024)
	h := &fakeHandler{data: data, maxConc: 4}

	dir := t.TempDir()
	assemblyPath := filepath.Join(dir, "out.partial")
	asm, err := OpenAssembly(assemblyPath, int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}

	sess, _ := h.Open(context.Background(), fetch.Target{}, protocol.Options{})
	plan := fetch.FetchPlan{MinConns: 1, MaxConns: 4, TotalSize: int64(len(data))}
	sched := New(h, sess, asm, plan, nil, nil)

	landed, digest, err := sched.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if landed != int64(len(data)) {
		t.Fatalf("landed %d, want %d", landed, len(data))
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(digest, want[:]) {
		t.Fatal("digest mismatch")
	}

	if err := asm.Finalize(filepath.Join(dir, "out")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("assembled file does not match source data")
	}
}

func TestScheduler_RetriesTransientErrors(t *testing.T) {
	data := newTestData(2 * 1024 * 1024)
	h := &fakeHandler{data: data, maxConc: 2, failOnce: map[int64]int{0: 2}}

	dir := t.TempDir()
	asm, err := OpenAssembly(filepath.Join(dir, "out.partial"), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := h.Open(context.Background(), fetch.Target{}, protocol.Options{})
	plan := fetch.FetchPlan{MinConns: 1, MaxConns: 2, TotalSize: int64(len(data))}
	sched := New(h, sess, asm, plan, nil, nil)

	landed, _, err := sched.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if landed != int64(len(data)) {
		t.Fatalf("landed %d, want %d", landed, len(data))
	}
}

func TestScheduler_DegradesToSingleOnPartialRange(t *testing.T) {
	data := newTestData(1024 * 1024)
	h := &degradingHandler{fakeHandler: fakeHandler{data: data, maxConc: 2}}

	dir := t.TempDir()
	asm, err := OpenAssembly(filepath.Join(dir, "out.partial"), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := h.Open(context.Background(), fetch.Target{}, protocol.Options{})
	plan := fetch.FetchPlan{MinConns: 1, MaxConns: 2, TotalSize: int64(len(data))}
	sched := New(h, sess, asm, plan, nil, nil)

	_, _, err = sched.Run(context.Background())
	if !errors.Is(err, ErrDegradeToSingle) {
		t.Fatalf("expected ErrDegradeToSingle, got %v", err)
	}
}

func TestScheduler_ResumeSeedsIntegrityCursor(t *testing.T) {
	data := newTestData(1024 * 1024)
	h := &fakeHandler{data: data, maxConc: 2}

	dir := t.TempDir()
	assemblyPath := filepath.Join(dir, "out.partial")
	half := len(data) / 2
	if err := os.WriteFile(assemblyPath, data[:half], 0o644); err != nil {
		t.Fatal(err)
	}
	asm, err := OpenAssembly(assemblyPath, int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}

	sess, _ := h.Open(context.Background(), fetch.Target{}, protocol.Options{})
	plan := fetch.FetchPlan{MinConns: 1, MaxConns: 2, TotalSize: int64(len(data)), ResumeOffset: int64(half)}
	sched := New(h, sess, asm, plan, nil, nil)

	landed, digest, err := sched.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if landed != int64(len(data)) {
		t.Fatalf("landed %d, want %d", landed, len(data))
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(digest, want[:]) {
		t.Fatal("digest mismatch: resume must hash the full object, not just the resumed portion")
	}
}

// degradingHandler always returns a short read, simulating a server that
// ignores range requests.
type degradingHandler struct {
	fakeHandler
}

func (h *degradingHandler) ReadRange(ctx context.Context, s protocol.Session, offset, length int64) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, length/2))), nil
}
