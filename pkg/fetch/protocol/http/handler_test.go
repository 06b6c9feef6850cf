package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
)

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1"`)

		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				w.Write(body)
			}
			return
		}

		start, end, ok := parseTestRange(rng, len(body))
		if !ok {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

// parseTestRange parses a single "bytes=start-end" range header for test
// servers; it does not need to handle the full RFC grammar.
func parseTestRange(header string, size int) (start, end int, ok bool) {
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, false
		}
	}
	if start < 0 || end >= size || start > end {
		return 0, 0, false
	}
	return start, end, true
}

func TestHandler_ProbeDetectsRangeSupport(t *testing.T) {
	body := []byte("0123456789")
	srv := rangeServer(t, body)
	defer srv.Close()

	h := New(srv.Client().Transport)
	target := fetch.Target{Scheme: "http", Raw: srv.URL}
	opts := protocol.Options{}

	res, err := h.Probe(context.Background(), target, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !res.SupportsRange {
		t.Fatal("expected range support detected")
	}
	if res.ETag != `"v1"` {
		t.Fatalf("expected strong etag captured, got %q", res.ETag)
	}
}

func TestHandler_ReadRangeReturnsExactBytes(t *testing.T) {
	body := []byte("abcdefghij")
	srv := rangeServer(t, body)
	defer srv.Close()

	h := New(srv.Client().Transport)
	target := fetch.Target{Scheme: "http", Raw: srv.URL}
	opts := protocol.Options{}

	if _, err := h.Probe(context.Background(), target, opts); err != nil {
		t.Fatal(err)
	}
	sess, err := h.Open(context.Background(), target, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	rc, err := h.ReadRange(context.Background(), sess, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "cdef" {
		t.Fatalf("got %q, want %q", got, "cdef")
	}
}

func TestHandler_NoRangeSupportServer(t *testing.T) {
	body := []byte("whole body only")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	h := New(srv.Client().Transport)
	target := fetch.Target{Scheme: "http", Raw: srv.URL}
	opts := protocol.Options{}

	res, err := h.Probe(context.Background(), target, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.SupportsRange {
		t.Fatal("expected no range support")
	}
}

func TestHandler_PartialRangeErrorWhenServerIgnoresRange(t *testing.T) {
	body := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("Range") == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				w.Write(body)
			}
			return
		}
		// Misbehaving server: claims range support at probe time (the
		// 1-byte test below still returns 206) but returns 200 on the
		// real ranged read.
		if r.Header.Get("Range") == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/10")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[0:1])
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	h := New(srv.Client().Transport)
	target := fetch.Target{Scheme: "http", Raw: srv.URL}
	opts := protocol.Options{}

	if _, err := h.Probe(context.Background(), target, opts); err != nil {
		t.Fatal(err)
	}
	sess, err := h.Open(context.Background(), target, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	_, err = h.ReadRange(context.Background(), sess, 2, 4)
	if err == nil {
		t.Fatal("expected an error when server ignores the byte range")
	}
	var partial *retry.PartialRangeError
	if !errors.As(err, &partial) {
		t.Fatalf("expected *retry.PartialRangeError, got %T: %v", err, err)
	}
}
