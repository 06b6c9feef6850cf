package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
)

func TestInspectTLS_CapturesHandshakeSummary(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, port := u.Hostname(), u.Port()

	target := fetch.Target{Scheme: "https", Host: host, Port: port}
	opts := protocol.Options{VerifyTLS: false}

	summary, err := inspectTLS(context.Background(), target, opts)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Issuer == "" {
		t.Fatal("expected an issuer to be captured")
	}
	if summary.Fingerprint == [32]byte{} {
		t.Fatal("expected a non-zero fingerprint")
	}
}

func TestInspectTLS_DialFailureIsWrapped(t *testing.T) {
	target := fetch.Target{Scheme: "https", Host: "127.0.0.1", Port: "1"}
	opts := protocol.Options{VerifyTLS: false}

	_, err := inspectTLS(context.Background(), target, opts)
	if err == nil {
		t.Fatal("expected dial to unreachable port to fail")
	}
	var tlsErr *retry.TLSError
	if errors.As(err, &tlsErr) {
		t.Fatal("a dial failure must stay transient network, not fatal TlsFailure")
	}
}

func TestInspectTLS_CertVerificationFailureIsFatalTLSFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, port := u.Hostname(), u.Port()

	// VerifyTLS: true against the test server's self-signed cert forces
	// a non-timeout handshake failure (certificate verification).
	target := fetch.Target{Scheme: "https", Host: host, Port: port}
	opts := protocol.Options{VerifyTLS: true}

	_, err = inspectTLS(context.Background(), target, opts)
	if err == nil {
		t.Fatal("expected certificate verification to fail against a self-signed cert")
	}
	var tlsErr *retry.TLSError
	if !errors.As(err, &tlsErr) {
		t.Fatalf("expected *retry.TLSError, got %T: %v", err, err)
	}
}
