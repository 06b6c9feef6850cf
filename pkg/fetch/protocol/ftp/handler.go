// Package ftp implements the protocol.Handler for ftp:// targets, grounded
// on github.com/jlaffaye/ftp. Range support tracks RFC 3659 REST, which
// RetrFrom issues ahead of RETR; since each concurrent range needs its own
// control connection (the FTP control channel is strictly serial), every
// ReadRange/ReadAll dials a fresh connection rather than sharing Open's
// session.
package ftp

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
)

// maxConcurrentConns is a conservative default ceiling on simultaneous
// control connections; most FTP daemons cap per-IP connections well below
// this, but the scheduler will back off before hitting a server's own
// limit via ordinary transient-error classification.
const maxConcurrentConns = 4

// Handler implements protocol.Handler for the ftp scheme.
type Handler struct {
	supportsRange bool
}

// New returns an ftp Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Schemes() []string { return []string{"ftp"} }

type creds struct {
	addr string
	user string
	pass string
	path string
}

func parseCreds(target fetch.Target) creds {
	user, pass := "anonymous", "anonymous@"
	if target.Raw != "" {
		if u, err := url.Parse(target.Raw); err == nil && u.User != nil {
			user = u.User.Username()
			if p, ok := u.User.Password(); ok {
				pass = p
			}
		}
	}
	port := target.Port
	if port == "" {
		port = "21"
	}
	return creds{addr: target.Host + ":" + port, user: user, pass: pass, path: target.Path}
}

func dial(ctx context.Context, c creds) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(c.addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, err
	}
	if err := conn.Login(c.user, c.pass); err != nil {
		conn.Quit()
		return nil, &retry.FatalError{Err: err}
	}
	return conn, nil
}

// Probe dials, logs in, and issues SIZE. A server that answers SIZE is
// assumed old enough to answer REST as well; servers that refuse SIZE are
// treated as not supporting range.
func (h *Handler) Probe(ctx context.Context, target fetch.Target, opts protocol.Options) (fetch.ProbeResult, error) {
	c := parseCreds(target)
	start := time.Now()
	conn, err := dial(ctx, c)
	if err != nil {
		return fetch.ProbeResult{}, err
	}
	defer conn.Quit()
	latency := time.Since(start)

	size, err := conn.FileSize(c.path)
	result := fetch.ProbeResult{Protocol: "ftp", Latency: latency, ContentLength: -1}
	if err == nil {
		result.ContentLength = size
		result.SupportsRange = true
	}
	h.supportsRange = result.SupportsRange
	return result, nil
}

type session struct {
	creds creds
}

func (s *session) Close() error { return nil }

// Open validates the target resolves to usable credentials; the actual
// control connection is deferred to each ReadRange/ReadAll call.
func (h *Handler) Open(ctx context.Context, target fetch.Target, opts protocol.Options) (protocol.Session, error) {
	return &session{creds: parseCreds(target)}, nil
}

type rangeBody struct {
	resp *ftp.Response
	conn *ftp.ServerConn
	r    io.Reader
}

func (b *rangeBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *rangeBody) Close() error {
	b.resp.Close()
	return b.conn.Quit()
}

// ReadRange dials a dedicated control connection and issues REST+RETR for
// [offset, offset+length).
func (h *Handler) ReadRange(ctx context.Context, s protocol.Session, offset, length int64) (io.ReadCloser, error) {
	sess := s.(*session)
	conn, err := dial(ctx, sess.creds)
	if err != nil {
		return nil, err
	}
	resp, err := conn.RetrFrom(sess.creds.path, uint64(offset))
	if err != nil {
		conn.Quit()
		return nil, &retry.PartialRangeError{Err: err}
	}
	return &rangeBody{resp: resp, conn: conn, r: io.LimitReader(resp, length)}, nil
}

// ReadAll dials a dedicated control connection and issues a plain RETR.
func (h *Handler) ReadAll(ctx context.Context, s protocol.Session) (io.ReadCloser, error) {
	sess := s.(*session)
	conn, err := dial(ctx, sess.creds)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Retr(sess.creds.path)
	if err != nil {
		conn.Quit()
		return nil, err
	}
	return &rangeBody{resp: resp, conn: conn, r: resp}, nil
}

func (h *Handler) SupportsRange() bool       { return h.supportsRange }
func (h *Handler) MaxConcurrentStreams() int { return maxConcurrentConns }
