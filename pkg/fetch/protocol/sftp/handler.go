// Package sftp implements the protocol.Handler for sftp:// targets over
// github.com/pkg/sftp and golang.org/x/crypto/ssh. Unlike ftp, a single
// SSH connection multiplexes many concurrent SFTP requests over one
// channel, so Open's session is shared across every subsequent
// ReadRange/ReadAll call instead of being redialed per range.
package sftp

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
)

const maxConcurrentStreams = 8

// Handler implements protocol.Handler for the sftp scheme.
type Handler struct {
	supportsRange bool
}

// New returns an sftp Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Schemes() []string { return []string{"sftp"} }

type creds struct {
	addr string
	user string
	pass string
	path string
}

func parseCreds(target fetch.Target) creds {
	user, pass := "root", ""
	if target.Raw != "" {
		if u, err := url.Parse(target.Raw); err == nil && u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
	}
	port := target.Port
	if port == "" {
		port = "22"
	}
	return creds{addr: target.Host + ":" + port, user: user, pass: pass, path: target.Path}
}

// dial opens the SSH transport and layers an SFTP client over it. Host
// key verification is intentionally permissive here: this engine has no
// known_hosts store of its own to consult.
func dial(ctx context.Context, c creds) (*sftp.Client, *ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.Password(c.pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.addr, config)
	if err != nil {
		return nil, nil, &retry.FatalError{Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, &retry.FatalError{Err: err}
	}
	return sc, client, nil
}

// Probe dials and stats the remote path; range support tracks ordinary
// SFTP read-at semantics, which every server that answers Stat supports.
func (h *Handler) Probe(ctx context.Context, target fetch.Target, opts protocol.Options) (fetch.ProbeResult, error) {
	c := parseCreds(target)
	start := time.Now()
	sc, conn, err := dial(ctx, c)
	if err != nil {
		return fetch.ProbeResult{}, err
	}
	defer sc.Close()
	defer conn.Close()
	latency := time.Since(start)

	info, err := sc.Stat(c.path)
	result := fetch.ProbeResult{Protocol: "sftp", Latency: latency, ContentLength: -1}
	if err == nil {
		result.ContentLength = info.Size()
		result.SupportsRange = true
	}
	h.supportsRange = result.SupportsRange
	return result, nil
}

type session struct {
	client *sftp.Client
	ssh    *ssh.Client
	path   string
}

func (s *session) Close() error {
	s.client.Close()
	return s.ssh.Close()
}

// Open establishes one SSH connection with its SFTP subsystem, shared by
// every subsequent range read for this fetch.
func (h *Handler) Open(ctx context.Context, target fetch.Target, opts protocol.Options) (protocol.Session, error) {
	c := parseCreds(target)
	sc, conn, err := dial(ctx, c)
	if err != nil {
		return nil, err
	}
	return &session{client: sc, ssh: conn, path: c.path}, nil
}

type limitedFile struct {
	f *sftp.File
	r io.Reader
}

func (l *limitedFile) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedFile) Close() error                { return l.f.Close() }

// ReadRange opens its own file handle over the session's SFTP client and
// seeks to offset; pkg/sftp multiplexes concurrent handles over the same
// channel, so this does not serialize against other in-flight ranges.
func (h *Handler) ReadRange(ctx context.Context, s protocol.Session, offset, length int64) (io.ReadCloser, error) {
	sess := s.(*session)
	f, err := sess.client.Open(sess.path)
	if err != nil {
		return nil, &retry.PartialRangeError{Err: err}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, &retry.PartialRangeError{Err: err}
	}
	return &limitedFile{f: f, r: io.LimitReader(f, length)}, nil
}

// ReadAll opens a fresh file handle read from the start to EOF.
func (h *Handler) ReadAll(ctx context.Context, s protocol.Session) (io.ReadCloser, error) {
	sess := s.(*session)
	f, err := sess.client.Open(sess.path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (h *Handler) SupportsRange() bool       { return h.supportsRange }
func (h *Handler) MaxConcurrentStreams() int { return maxConcurrentStreams }
