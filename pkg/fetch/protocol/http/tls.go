package http

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
)

// inspectTLS opens a raw TLS handshake on a secondary socket to extract
// version, cipher, certificate chain, SANs, and the leaf certificate's
// SHA-256 fingerprint, independent of whatever connection the main
// RoundTripper ends up using.
func inspectTLS(ctx context.Context, target fetch.Target, opts protocol.Options) (fetch.TLSSummary, error) {
	host := target.Host
	port := target.Port
	if port == "" {
		port = "443"
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fetch.TLSSummary{}, fmt.Errorf("tls inspect: dial: %w", err)
	}
	defer rawConn.Close()

	conn := tls.Client(rawConn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !opts.VerifyTLS,
	})
	defer conn.Close()

	if err := conn.HandshakeContext(ctx); err != nil {
		// Per spec §4.1, a handshake timeout is transient network, not a
		// fatal TLS failure; only a non-timeout handshake error (bad
		// cert, protocol mismatch, etc.) is.
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return fetch.TLSSummary{}, fmt.Errorf("tls inspect: handshake timeout: %w", err)
		}
		return fetch.TLSSummary{}, &retry.TLSError{Err: fmt.Errorf("tls inspect: handshake: %w", err)}
	}

	state := conn.ConnectionState()
	summary := fetch.TLSSummary{
		Version:     state.Version,
		CipherSuite: state.CipherSuite,
	}
	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		summary.Issuer = leaf.Issuer.String()
		summary.NotAfter = leaf.NotAfter
		summary.SANs = leaf.DNSNames
		summary.Fingerprint = sha256.Sum256(leaf.Raw)
	}
	return summary, nil
}
