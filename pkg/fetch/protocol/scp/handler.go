// Package scp implements the protocol.Handler for scp:// targets via
// golang.org/x/crypto/ssh, driving the legacy `scp -f` source protocol
// directly over an exec'd remote command rather than any SFTP subsystem.
// The protocol has no notion of a restart offset, so this handler never
// supports range and the Controller never plans it as PARALLEL mode
// (SINGLE, or STREAM when the request has no output path).
package scp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
)

// Handler implements protocol.Handler for the scp scheme.
type Handler struct{}

// New returns an scp Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Schemes() []string { return []string{"scp"} }

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

func dial(ctx context.Context, c creds) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.Password(c.pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.addr, config)
	if err != nil {
		return nil, &retry.FatalError{Err: err}
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// parseControlLine parses a "Cmmmm size name\n" file-copy directive,
// the only one this handler ever issues a sink/source for.
func parseControlLine(line string) (size int64, err error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "C") {
		return -1, fmt.Errorf("scp: unexpected control line %q", line)
	}
	return strconv.ParseInt(fields[1], 10, 64)
}

type session struct {
	client *ssh.Client
	path   string
}

func (s *session) Close() error { return s.client.Close() }

func (h *Handler) Open(ctx context.Context, target fetch.Target, opts protocol.Options) (protocol.Session, error) {
	c := parseCreds(target)
	client, err := dial(ctx, c)
	if err != nil {
		return nil, err
	}
	return &session{client: client, path: c.path}, nil
}

// Probe runs a throwaway `scp -f` handshake far enough to read the
// remote's size announcement, then aborts before any file data moves.
func (h *Handler) Probe(ctx context.Context, target fetch.Target, opts protocol.Options) (fetch.ProbeResult, error) {
	c := parseCreds(target)
	start := time.Now()
	client, err := dial(ctx, c)
	if err != nil {
		return fetch.ProbeResult{}, err
	}
	defer client.Close()

	size, err := probeSize(client, c.path)
	latency := time.Since(start)
	if err != nil {
		return fetch.ProbeResult{Protocol: "scp", Latency: latency, ContentLength: -1}, nil
	}
	return fetch.ProbeResult{Protocol: "scp", Latency: latency, ContentLength: size}, nil
}

func probeSize(client *ssh.Client, path string) (int64, error) {
	sess, err := client.NewSession()
	if err != nil {
		return -1, err
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return -1, err
	}
	if err := sess.Start(fmt.Sprintf("scp -f %s", shellQuote(path))); err != nil {
		return -1, err
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return -1, err
	}

	br := bufio.NewReader(stdout)
	b, err := br.ReadByte()
	if err != nil {
		return -1, err
	}
	if b != 'C' {
		msg, _ := br.ReadString('\n')
		return -1, fmt.Errorf("scp: unexpected directive %q: %s", b, strings.TrimSpace(msg))
	}
	rest, err := br.ReadString('\n')
	if err != nil {
		return -1, err
	}
	size, err := parseControlLine(string(b) + rest)
	stdin.Write([]byte{1}) // abort: only the size was wanted
	return size, err
}

// body streams the file-data phase of an scp -f handshake, sending the
// final ack byte once the announced size has been fully read.
type body struct {
	r     io.Reader
	stdin io.WriteCloser
	sess  *ssh.Session
	acked bool
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF && !b.acked {
		b.acked = true
		b.stdin.Write([]byte{0})
	}
	return n, err
}

func (b *body) Close() error { return b.sess.Close() }

// ReadAll drives a full `scp -f` handshake and returns the file-data
// stream. Used for both SINGLE and STREAM mode, since scp never offers
// ReadRange.
func (h *Handler) ReadAll(ctx context.Context, s protocol.Session) (io.ReadCloser, error) {
	sess := s.(*session)
	sshSess, err := sess.client.NewSession()
	if err != nil {
		return nil, err
	}
	stdout, err := sshSess.StdoutPipe()
	if err != nil {
		sshSess.Close()
		return nil, err
	}
	stdin, err := sshSess.StdinPipe()
	if err != nil {
		sshSess.Close()
		return nil, err
	}
	if err := sshSess.Start(fmt.Sprintf("scp -f %s", shellQuote(sess.path))); err != nil {
		sshSess.Close()
		return nil, err
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		sshSess.Close()
		return nil, err
	}

	br := bufio.NewReader(stdout)
	b, err := br.ReadByte()
	if err != nil {
		sshSess.Close()
		return nil, err
	}
	if b != 'C' {
		msg, _ := br.ReadString('\n')
		sshSess.Close()
		return nil, &retry.FatalError{Err: fmt.Errorf("scp: unexpected directive %q: %s", b, strings.TrimSpace(msg))}
	}
	rest, err := br.ReadString('\n')
	if err != nil {
		sshSess.Close()
		return nil, err
	}
	size, err := parseControlLine(string(b) + rest)
	if err != nil {
		sshSess.Close()
		return nil, err
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		sshSess.Close()
		return nil, err
	}

	return &body{r: io.LimitReader(br, size), stdin: stdin, sess: sshSess}, nil
}

// ReadRange is never called: SupportsRange always reports false, which
// keeps the Controller out of PARALLEL mode for scp targets.
func (h *Handler) ReadRange(ctx context.Context, s protocol.Session, offset, length int64) (io.ReadCloser, error) {
	return nil, &retry.PartialRangeError{Err: fmt.Errorf("scp: range reads are not supported")}
}

func (h *Handler) SupportsRange() bool       { return false }
func (h *Handler) MaxConcurrentStreams() int { return 1 }
