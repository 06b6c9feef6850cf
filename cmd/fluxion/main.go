// Command fluxion is a thin CLI wrapper around the fetch engine: it wires
// a Controller, a protocol registry, and an output sink together, then
// drives a single fetch from the command line. Progress rendering here is
// intentionally minimal — a rate-limited single line per update, not a
// full-screen HUD.
package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fluxion-net/fluxion/internal/logging"
	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/metrics"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	httpproto "github.com/fluxion-net/fluxion/pkg/fetch/protocol/http"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol/scp"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol/sftp"

	ftpproto "github.com/fluxion-net/fluxion/pkg/fetch/protocol/ftp"
)

var log = logrus.New()

var (
	outputPath   string
	maxConns     int
	minChunkSize int64
	maxChunkSize int64
	timeout      time.Duration
	proxy        string
	insecureTLS  bool
	sha256Hex    string
	resume       bool
	jsonOutput   bool
	headerFlags  []string
	cookie       string
	metricsAddr  string
	noHTTP3      bool
)

var rootCmd = &cobra.Command{
	Use:          "fluxion <url> [mirror-url...]",
	Short:        "Adaptive parallel download engine",
	Args:         cobra.MinimumNArgs(1),
	RunE:         runFetch,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (empty streams to stdout)")
	rootCmd.Flags().IntVarP(&maxConns, "max-conns", "c", 16, "maximum parallel connections")
	rootCmd.Flags().Int64Var(&minChunkSize, "chunk-min", 0, "minimum chunk size in bytes, recorded in the resume metadata (chunk sizing uses the engine's fixed 256 KiB-16 MiB bounds)")
	rootCmd.Flags().Int64Var(&maxChunkSize, "chunk-max", 0, "maximum chunk size in bytes (not applied: chunk sizing uses the engine's fixed 256 KiB-16 MiB bounds)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "per-request timeout passed to the protocol handlers (the built-in handlers do not apply it)")
	rootCmd.Flags().StringVar(&proxy, "proxy", "", "HTTP/HTTPS proxy URL")
	rootCmd.Flags().BoolVar(&insecureTLS, "insecure", false, "skip TLS certificate verification")
	rootCmd.Flags().StringVar(&sha256Hex, "sha256", "", "expected SHA-256 digest, hex-encoded")
	rootCmd.Flags().BoolVar(&resume, "resume", true, "resume an existing .partial if the server's validators still match")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "emit newline-delimited JSON events instead of plain progress lines")
	rootCmd.Flags().StringArrayVarP(&headerFlags, "header", "H", nil, "extra request header, \"Name: Value\" (repeatable)")
	rootCmd.Flags().StringVar(&cookie, "cookie", "", "Cookie header value")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090); empty disables")
	rootCmd.Flags().BoolVar(&noHTTP3, "no-http3", false, "never negotiate HTTP/3, even if the server advertises it")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fluxion: %v\n", err)
		os.Exit(1)
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var expected []byte
	if sha256Hex != "" {
		b, err := hex.DecodeString(sha256Hex)
		if err != nil || len(b) != sha256.Size {
			return fmt.Errorf("--sha256: invalid digest %q", sha256Hex)
		}
		expected = b
	}

	headers, err := parseHeaders(headerFlags)
	if err != nil {
		return err
	}

	registry := protocol.NewRegistry()
	registry.Register(httpproto.New(transportFor(proxy, insecureTLS)))
	registry.Register(ftpproto.New())
	registry.Register(sftp.New())
	registry.Register(scp.New())

	sinks := []fetch.Sink{}
	if jsonOutput {
		sinks = append(sinks, fetch.NewJSONSink(os.Stdout))
	} else {
		sinks = append(sinks, &lineSink{})
	}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		sinks = append(sinks, collector)
		go serveMetrics(metricsAddr, reg)
	}

	controller := fetch.NewController(registry,
		fetch.WithSink(fetch.MultiSink{Sinks: sinks}),
		fetch.WithLogger(logging.Default()))

	var streamSink *os.File
	if outputPath == "" {
		streamSink = os.Stdout
	}

	req := fetch.Request{
		URLs:           args,
		OutputPath:     outputPath,
		StreamSink:     streamSink,
		MaxConns:       maxConns,
		MinChunkSize:   minChunkSize,
		MaxChunkSize:   maxChunkSize,
		Timeout:        timeout,
		Proxy:          proxy,
		VerifyTLS:      !insecureTLS,
		ExpectedSHA256: expected,
		Resume:         resume,
		Headers:        headers,
		Cookie:         cookie,
		DisableHTTP3:   noHTTP3,
	}

	result := controller.Fetch(ctx, req)
	if result.Failure != nil {
		return fmt.Errorf("%s: %s", result.Failure.Kind, result.Failure.Message)
	}
	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "\ndone: %d bytes in %s (%.2f MB/s), sha256=%x\n",
			result.Success.Bytes, result.Success.Duration.Round(time.Millisecond),
			result.Success.AvgThroughput/(1024*1024), result.Success.SHA256)
	}
	return nil
}

func transportFor(proxyURL string, insecure bool) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			t.Proxy = http.ProxyURL(u)
		}
	}
	if insecure {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true
	}
	return t
}

func parseHeaders(flags []string) (map[string][]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	headers := make(map[string][]string, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("--header: %q is not \"Name: Value\"", f)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		headers[name] = append(headers[name], value)
	}
	return headers, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnf("metrics server stopped: %v", err)
	}
}

// lineSink prints a single rate-limited progress line to stderr, without a
// full progress bar since multi-line terminal rendering is out of scope
// here.
type lineSink struct {
	fetch.NopSink
	lastEmit time.Time
}

func (s *lineSink) OnProgress(bytes, total int64, rate float64, eta time.Duration) {
	now := time.Now()
	if now.Sub(s.lastEmit) < fetch.UpdateInterval {
		return
	}
	s.lastEmit = now
	if total > 0 {
		fmt.Fprintf(os.Stderr, "\r%d/%d bytes (%.2f MB/s, eta %s)", bytes, total, rate/(1024*1024), eta.Round(time.Second))
	} else {
		fmt.Fprintf(os.Stderr, "\r%d bytes (%.2f MB/s)", bytes, rate/(1024*1024))
	}
}

func (s *lineSink) OnRetry(category string, delay time.Duration, attempt int) {
	fmt.Fprintf(os.Stderr, "\nretry: %s, attempt %d, backing off %s\n", category, attempt, delay)
}
