// Package http implements the HTTP/1.1, HTTP/2, and HTTP/3 protocol
// handler. Probing follows the HEAD-based range-support check from the
// parallel transport this is grounded on; range reads and resume
// validator handling follow the same transport's If-Range construction
// and the resumable transport's ETag/Last-Modified capture.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/internal/common"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
)

// Handler implements protocol.Handler for http/https URLs.
type Handler struct {
	h1 http.RoundTripper
	h3 *http3.RoundTripper

	supportsRange   bool
	http3Advertised bool
	probed          fetch.ProbeResult
}

// New returns an http Handler. h1 should be an *http.Transport (or
// equivalent) already configured with the caller's proxy/TLS settings;
// if nil, http.DefaultTransport is used. h1 negotiates HTTP/2 over ALPN
// itself and falls back to HTTP/1.1, so the only explicit ordering this
// handler enforces is "try HTTP/3 first when eligible." HTTP/3 is only
// attempted when opts.Disable3 is false and the probe response advertised
// support via Alt-Svc (or the caller explicitly opted in with
// opts.ForceHTTP3) — never unconditionally, since dialing raw QUIC at a
// server that never advertised it just wastes a round trip before falling
// back.
func New(h1 http.RoundTripper) *Handler {
	if h1 == nil {
		h1 = http.DefaultTransport
	}
	return &Handler{
		h1: h1,
		h3: &http3.RoundTripper{},
	}
}

func (h *Handler) Schemes() []string { return []string{"http", "https"} }

// Probe performs a metadata-only HEAD request, capturing range support,
// content length, resume validators, and (for https) a deep TLS
// inspection of the handshake.
func (h *Handler) Probe(ctx context.Context, target fetch.Target, opts protocol.Options) (fetch.ProbeResult, error) {
	url := targetURL(target)

	start := time.Now()
	// The probe request itself can't yet know whether the server
	// advertises HTTP/3 — that's the thing this request is about to
	// discover — so it only uses h3 on an explicit caller opt-in, never
	// speculatively.
	rt := h.probeRoundTripper(opts)

	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fetch.ProbeResult{}, &retry.FatalError{Err: err}
	}
	applyHeaders(headReq, opts)
	headReq.Header.Set("Accept-Encoding", "identity")
	common.ScrubConditionalHeaders(headReq.Header)

	resp, err := rt.RoundTrip(headReq)
	if err != nil {
		return fetch.ProbeResult{}, newTransientError(err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	result := fetch.ProbeResult{
		Protocol:      protoLabel(resp),
		Latency:       latency,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		ETag:          firstStrongOrBlank(resp.Header.Get("ETag")),
		LastModified:  resp.Header.Get("Last-Modified"),
	}
	if result.ContentLength <= 0 {
		result.ContentLength = -1
	}

	if common.SupportsRange(resp.Header) {
		// Confirm with a real 1-byte range test: advertised
		// Accept-Ranges alone is not trusted.
		ok, err := h.testRangeRequest(ctx, url, opts, rt)
		if err != nil {
			return fetch.ProbeResult{}, newTransientError(err)
		}
		result.SupportsRange = ok
	}
	h.supportsRange = result.SupportsRange

	isHTTPS := strings.HasPrefix(strings.ToLower(target.Scheme), "https")
	if isHTTPS {
		summary, err := inspectTLS(ctx, target, opts)
		if err != nil {
			// inspectTLS already classifies the failure: a dial error or
			// handshake timeout comes back as a plain error (transient
			// network), a non-timeout handshake failure as *retry.TLSError
			// (fatal).
			return fetch.ProbeResult{}, err
		}
		if opts.HasPin && summary.Fingerprint != opts.PinnedSHA256 {
			return fetch.ProbeResult{}, &retry.FatalError{Err: fetch.ErrPinMismatch}
		}
		result.TLS = &summary
	}

	// HTTP/3 is only ever attempted over https. A server advertises it
	// via Alt-Svc (an "h3" or "h3-*" protocol ID); a caller may also
	// force it on regardless of advertisement.
	h.http3Advertised = isHTTPS && (opts.ForceHTTP3 || altSvcAdvertisesH3(resp.Header.Get("Alt-Svc")))

	h.probed = result
	return result, nil
}

func (h *Handler) testRangeRequest(ctx context.Context, url string, opts protocol.Options, rt http.RoundTripper) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	applyHeaders(req, opts)
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("Accept-Encoding", "identity")
	common.ScrubConditionalHeaders(req.Header)

	resp, err := rt.RoundTrip(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusPartialContent, nil
}

// Open returns a session carrying the resolved RoundTripper and
// validators; HTTP has no real connection-level session object, so this
// is a thin carrier.
func (h *Handler) Open(ctx context.Context, target fetch.Target, opts protocol.Options) (protocol.Session, error) {
	return &session{
		rt:     h.roundTripperFor(opts),
		url:    targetURL(target),
		opts:   opts,
		result: h.probed,
	}, nil
}

type session struct {
	rt     http.RoundTripper
	url    string
	opts   protocol.Options
	result fetch.ProbeResult
}

func (s *session) Close() error { return nil }

// ReadRange issues a single byte-range GET for [offset, offset+length),
// validated with If-Range the way the parallel/resumable transports do,
// and returns a PartialRangeError (classified non-retryable at chunk
// level, degrading the plan to SINGLE) when the server ignores the range.
func (h *Handler) ReadRange(ctx context.Context, s protocol.Session, offset, length int64) (io.ReadCloser, error) {
	sess := s.(*session)
	end := offset + length - 1

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sess.url, nil)
	if err != nil {
		return nil, &retry.FatalError{Err: err}
	}
	applyHeaders(req, sess.opts)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, end))
	req.Header.Set("Accept-Encoding", "identity")
	common.ScrubConditionalHeaders(req.Header)
	if v := ifRangeValidator(sess.result); v != "" {
		req.Header.Set("If-Range", v)
	}

	resp, err := sess.rt.RoundTrip(req)
	if err != nil {
		return nil, newTransientError(err)
	}

	if resp.StatusCode == http.StatusOK {
		resp.Body.Close()
		return nil, &retry.PartialRangeError{Err: fmt.Errorf("server returned 200 to range request; If-Range validation failed")}
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, classifyStatus(resp)
	}
	if start, e, _, ok := common.ParseContentRange(resp.Header.Get("Content-Range")); ok {
		if start != offset || e != end {
			resp.Body.Close()
			return nil, &retry.PartialRangeError{Err: fmt.Errorf("server returned range %d-%d, requested %d-%d", start, e, offset, end)}
		}
	}
	return newReadAhead(resp.Body), nil
}

// ReadAll reads the whole body to EOF, used for SINGLE/STREAM mode.
func (h *Handler) ReadAll(ctx context.Context, s protocol.Session) (io.ReadCloser, error) {
	sess := s.(*session)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sess.url, nil)
	if err != nil {
		return nil, &retry.FatalError{Err: err}
	}
	applyHeaders(req, sess.opts)
	common.ScrubConditionalHeaders(req.Header)

	resp, err := sess.rt.RoundTrip(req)
	if err != nil {
		return nil, newTransientError(err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, classifyStatus(resp)
	}
	return newReadAhead(resp.Body), nil
}

// SupportsRange reports whether the last Probe confirmed range support.
func (h *Handler) SupportsRange() bool { return h.supportsRange }

// MaxConcurrentStreams returns 0 (unbounded by the handler itself); HTTP/2
// and HTTP/3 multiplex streams over one connection so the scheduler's own
// configured max governs instead.
func (h *Handler) MaxConcurrentStreams() int { return 0 }

// roundTripperFor selects the transport for a request issued after Probe
// has already run, per spec §4.6's ordering: HTTP/3 when the caller hasn't
// disabled it and the probe found it advertised, otherwise h1 — which
// itself negotiates HTTP/2 over ALPN and falls back to HTTP/1.1.
func (h *Handler) roundTripperFor(opts protocol.Options) http.RoundTripper {
	if !opts.Disable3 && h.http3Advertised {
		return h.h3
	}
	return h.h1
}

// probeRoundTripper selects the transport for the probe request itself,
// before advertisement is known. It only reaches for h3 on an explicit
// caller opt-in; otherwise it uses h1 so the discovery request never pays
// for a speculative QUIC dial against a server that may not speak it.
func (h *Handler) probeRoundTripper(opts protocol.Options) http.RoundTripper {
	if !opts.Disable3 && opts.ForceHTTP3 {
		return h.h3
	}
	return h.h1
}

// altSvcAdvertisesH3 reports whether an Alt-Svc header value lists an h3
// (or draft h3-*) protocol ID, e.g. `h3=":443"; ma=86400`.
func altSvcAdvertisesH3(altSvc string) bool {
	for _, entry := range strings.Split(altSvc, ",") {
		proto := strings.TrimSpace(strings.SplitN(strings.TrimSpace(entry), "=", 2)[0])
		if proto == "h3" || strings.HasPrefix(proto, "h3-") {
			return true
		}
	}
	return false
}

func applyHeaders(req *http.Request, opts protocol.Options) {
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if opts.Cookie != "" {
		req.Header.Set("Cookie", opts.Cookie)
	}
}

func targetURL(t fetch.Target) string {
	if t.Raw != "" {
		return t.Raw
	}
	host := t.Host
	if t.Port != "" {
		host = host + ":" + t.Port
	}
	return t.Scheme + "://" + host + t.Path + t.Query
}

func firstStrongOrBlank(etag string) string {
	if etag == "" || common.IsWeakETag(etag) {
		return ""
	}
	return etag
}

func ifRangeValidator(p fetch.ProbeResult) string {
	if p.ETag != "" {
		return p.ETag
	}
	return p.LastModified
}

func protoLabel(resp *http.Response) string {
	switch {
	case resp.ProtoMajor == 3:
		return "h3"
	case resp.ProtoMajor == 2:
		return "h2"
	default:
		return "http/1.1"
	}
}

// newTransientError returns a round-trip failure unchanged: retry.Classify
// already treats a net.Error, and any error it does not otherwise
// recognise, as transient network.
func newTransientError(err error) error {
	return err
}

// classifyStatus maps an unexpected HTTP status to the appropriate
// classifier-facing error type.
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	if code == 429 || code == 503 || code == 408 {
		d, ok := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &statusError{code: code, retryAfter: d, hasRetry: ok}
	}
	return &retry.FatalError{Err: fmt.Errorf("unexpected status %d", code)}
}

type statusError struct {
	code       int
	retryAfter time.Duration
	hasRetry   bool
}

func (e *statusError) Error() string                     { return fmt.Sprintf("http status %d", e.code) }
func (e *statusError) StatusCode() int                   { return e.code }
func (e *statusError) RetryAfter() (time.Duration, bool) { return e.retryAfter, e.hasRetry }

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t), true
	}
	return 0, false
}
