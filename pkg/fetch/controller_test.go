package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
)

type memSession struct{}

func (memSession) Close() error { return nil }

// memHandler serves a fixed in-memory object over the "mem" scheme,
// reporting configurable range support and content length so PLANNING can
// be exercised across PARALLEL/SINGLE/STREAM.
type memHandler struct {
	data          []byte
	supportsRange bool
	contentLength int64 // 0 means "use len(data)"
	etag          string
}

func (h *memHandler) Schemes() []string { return []string{"mem"} }

func (h *memHandler) Probe(ctx context.Context, t Target, opts protocol.Options) (ProbeResult, error) {
	cl := h.contentLength
	if cl == 0 {
		cl = int64(len(h.data))
	}
	return ProbeResult{Protocol: "mem", ContentLength: cl, SupportsRange: h.supportsRange, ETag: h.etag, Latency: time.Millisecond}, nil
}

func (h *memHandler) Open(ctx context.Context, t Target, opts protocol.Options) (protocol.Session, error) {
	return memSession{}, nil
}

func (h *memHandler) ReadRange(ctx context.Context, s protocol.Session, offset, length int64) (io.ReadCloser, error) {
	end := offset + length
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return io.NopCloser(bytes.NewReader(h.data[offset:end])), nil
}

func (h *memHandler) ReadAll(ctx context.Context, s protocol.Session) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h.data)), nil
}

func (h *memHandler) SupportsRange() bool       { return h.supportsRange }
func (h *memHandler) MaxConcurrentStreams() int { return 4 }

func newMemData(n int) []byte {
	r := rand.New(rand.NewSource(7))
	data := make([]byte, n)
	r.Read(data)
	return data
}

func TestController_ParallelFetchSucceeds(t *testing.T) {
	data := newMemData(3 * 1024 * 1024)
	h := &memHandler{data: data, supportsRange: true, etag: `"abc"`}
	reg := protocol.NewRegistry()
	reg.Register(h)
	c := NewController(reg)

	dir := t.TempDir()
	out := filepath.Join(dir, "object.bin")
	req := Request{URLs: []string{"mem://host/object.bin"}, OutputPath: out, MaxConns: 4}

	res := c.Fetch(context.Background(), req)
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(res.Success.SHA256, want[:]) {
		t.Fatal("digest mismatch")
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("output file does not match source data")
	}
	if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
		t.Fatal("expected .partial to be gone after finalize")
	}
	if _, err := os.Stat(out + ".partial.meta"); !os.IsNotExist(err) {
		t.Fatal("expected .partial.meta to be gone after finalize")
	}
}

func TestController_SingleModeWhenRangeUnsupported(t *testing.T) {
	data := newMemData(64 * 1024)
	h := &memHandler{data: data, supportsRange: false}
	reg := protocol.NewRegistry()
	reg.Register(h)
	c := NewController(reg)

	dir := t.TempDir()
	out := filepath.Join(dir, "object.bin")
	req := Request{URLs: []string{"mem://host/object.bin"}, OutputPath: out}

	res := c.Fetch(context.Background(), req)
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	if res.Success.Bytes != int64(len(data)) {
		t.Fatalf("bytes = %d, want %d", res.Success.Bytes, len(data))
	}
}

func TestController_StreamModeWhenNoOutputPath(t *testing.T) {
	data := newMemData(32 * 1024)
	h := &memHandler{data: data, supportsRange: true}
	reg := protocol.NewRegistry()
	reg.Register(h)
	c := NewController(reg)

	var buf bytes.Buffer
	req := Request{URLs: []string{"mem://host/object.bin"}, StreamSink: &buf}

	res := c.Fetch(context.Background(), req)
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("stream sink did not receive the full object")
	}
}

func TestController_UnsupportedSchemeFails(t *testing.T) {
	reg := protocol.NewRegistry()
	c := NewController(reg)
	res := c.Fetch(context.Background(), Request{URLs: []string{"gopher://host/x"}, OutputPath: "/tmp/x"})
	if res.Failure == nil || res.Failure.Kind != KindUnsupportedScheme {
		t.Fatalf("expected UnsupportedScheme, got %+v", res.Failure)
	}
}

func TestController_IntegrityMismatchDeletesPartial(t *testing.T) {
	data := newMemData(16 * 1024)
	h := &memHandler{data: data, supportsRange: true}
	reg := protocol.NewRegistry()
	reg.Register(h)
	c := NewController(reg)

	dir := t.TempDir()
	out := filepath.Join(dir, "object.bin")
	wrongHash := sha256.Sum256([]byte("not the data"))
	req := Request{URLs: []string{"mem://host/object.bin"}, OutputPath: out, ExpectedSHA256: wrongHash[:]}

	res := c.Fetch(context.Background(), req)
	if res.Failure == nil || res.Failure.Kind != KindIntegrityMismatch {
		t.Fatalf("expected IntegrityMismatch, got %+v", res.Failure)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("target file must not exist after integrity mismatch")
	}
	if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
		t.Fatal("expected .partial to be deleted after integrity mismatch")
	}
}

func TestController_ResumeSkipsAlreadyLandedBytes(t *testing.T) {
	data := newMemData(2 * 1024 * 1024)
	h := &memHandler{data: data, supportsRange: true, etag: `"v1"`}
	reg := protocol.NewRegistry()
	reg.Register(h)
	c := NewController(reg)

	dir := t.TempDir()
	out := filepath.Join(dir, "object.bin")
	partial := out + ".partial"
	half := len(data) / 2
	if err := os.WriteFile(partial, data[:half], 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeMeta(partial, partialMeta{URL: "mem://host/object.bin", TotalSize: int64(len(data)), ETag: `"v1"`}); err != nil {
		t.Fatal(err)
	}

	req := Request{URLs: []string{"mem://host/object.bin"}, OutputPath: out, Resume: true, MaxConns: 4}
	res := c.Fetch(context.Background(), req)
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("resumed fetch did not reassemble the full object")
	}
}
