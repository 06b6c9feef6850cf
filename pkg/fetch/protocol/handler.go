// Package protocol defines the uniform probe/open/read contract every
// protocol handler (HTTP/1.1, HTTP/2, HTTP/3, FTP, SFTP, SCP) implements,
// and a scheme registry the Fetch Controller consults at PLANNING time.
//
// The contract is expressed directly as a Go interface rather than a
// discriminated union, since the handler capability set maps cleanly onto
// method sets in a language with interfaces.
package protocol

import (
	"context"
	"io"

	"github.com/fluxion-net/fluxion/pkg/fetch"
)

// Options carries the resolved per-fetch configuration a handler needs:
// timeouts, proxy, TLS verification/pinning, and pre-resolved headers. It
// deliberately does not know about cookie-jar parsing or browser profile
// assembly; the caller resolves those before construction.
type Options struct {
	Timeout        int64 // nanoseconds; the built-in handlers do not read it (FTP, SFTP and SCP dial with a fixed 30s timeout)
	Proxy          string
	VerifyTLS      bool
	PinnedSHA256   [32]byte
	HasPin         bool
	Headers        map[string][]string
	Cookie         string
	Allow0RTT      bool // HTTP/3 only; always false unless explicitly enabled by the caller
	Disable3       bool // caller disabled HTTP/3 negotiation
	ForceHTTP3     bool // caller opted into HTTP/3 before any Alt-Svc advertisement is known
}

// Session is an opaque connection-like object returned by Open. It may be
// a no-op value for stateless protocols (plain HTTP/1.1 keeps none beyond
// the RoundTripper).
type Session interface {
	io.Closer
}

// Handler is the uniform contract every protocol implementation satisfies.
type Handler interface {
	// Schemes returns the URL schemes this handler claims, e.g. {"http",
	// "https"}.
	Schemes() []string

	// Probe performs a lightweight metadata-only request.
	Probe(ctx context.Context, target fetch.Target, opts Options) (fetch.ProbeResult, error)

	// Open establishes (or prepares) a session for subsequent range
	// reads.
	Open(ctx context.Context, target fetch.Target, opts Options) (Session, error)

	// ReadRange reads exactly length bytes starting at offset, ending in
	// EOF on short read.
	ReadRange(ctx context.Context, session Session, offset, length int64) (io.ReadCloser, error)

	// ReadAll reads the whole body to EOF, for servers without range
	// support or for streaming mode.
	ReadAll(ctx context.Context, session Session) (io.ReadCloser, error)

	// SupportsRange reports whether the handler determined at Probe time
	// that range reads are usable for this target.
	SupportsRange() bool

	// MaxConcurrentStreams returns the handler's own concurrency ceiling
	// (0 = unbounded), used by the scheduler to clamp N for this fetch.
	MaxConcurrentStreams() int
}

// Registry maps URL schemes to the Handler that serves them.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with every scheme it claims, overwriting any
// previous registration for the same scheme.
func (r *Registry) Register(h Handler) {
	for _, scheme := range h.Schemes() {
		r.handlers[scheme] = h
	}
}

// Lookup returns the handler for scheme, or (nil, false) if none is
// registered — the Controller surfaces this as fetch.ErrUnsupportedScheme.
func (r *Registry) Lookup(scheme string) (Handler, bool) {
	h, ok := r.handlers[scheme]
	return h, ok
}
