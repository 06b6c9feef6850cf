// Command fluxion-bench compares a plain http.DefaultTransport GET against
// a full engine fetch for the same URL, reporting which was faster and
// verifying both produced byte-identical output.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	httpproto "github.com/fluxion-net/fluxion/pkg/fetch/protocol/http"
)

var (
	minChunkSize  int64
	maxConcurrent int
)

var rootCmd = &cobra.Command{
	Use:   "fluxion-bench <url>",
	Short: "Benchmark plain HTTP GET against the adaptive parallel engine",
	Long: `fluxion-bench downloads the same URL twice - once using a plain
http.DefaultTransport GET and once through the full fetch engine - then
compares the results and reports performance metrics.`,
	Args:         cobra.ExactArgs(1),
	RunE:         runBenchmark,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().Int64Var(&minChunkSize, "chunk-size", 1024*1024, "minimum chunk size in bytes, passed in the engine fetch request (the engine's chunk sizing uses its own fixed bounds)")
	rootCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 4, "maximum concurrent connections for the engine fetch")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	url := args[0]
	ctx := context.Background()

	fmt.Printf("Benchmarking: %s\n", url)
	fmt.Printf("Configuration: chunk-size=%d bytes, max-concurrent=%d\n\n", minChunkSize, maxConcurrent)

	plainFile, err := os.CreateTemp("", "fluxion-bench-plain-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		plainFile.Close()
		os.Remove(plainFile.Name())
	}()

	engineFile := plainFile.Name() + ".engine"
	defer os.Remove(engineFile)

	fmt.Println("Running plain GET...")
	plainDuration, plainSize, err := benchmarkPlain(ctx, url, plainFile)
	if err != nil {
		return fmt.Errorf("plain GET failed: %w", err)
	}
	reportRate("Plain", plainSize, plainDuration)

	fmt.Println("Running engine fetch...")
	engineDuration, engineSize, err := benchmarkEngine(ctx, url, engineFile)
	if err != nil {
		return fmt.Errorf("engine fetch failed: %w", err)
	}
	reportRate("Engine", engineSize, engineDuration)

	fmt.Println("Validating response consistency...")
	if err := validateResponses(plainFile.Name(), engineFile); err != nil {
		return fmt.Errorf("response validation failed: %w", err)
	}
	fmt.Println("responses match")

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("PERFORMANCE COMPARISON")
	fmt.Println(strings.Repeat("=", 60))

	speedup := float64(plainDuration) / float64(engineDuration)
	switch {
	case speedup > 1.0:
		fmt.Printf("engine was %.2fx faster than plain\n", speedup)
	case speedup < 1.0:
		fmt.Printf("engine was %.2fx slower than plain\n", 1.0/speedup)
	default:
		fmt.Println("both approaches performed equally")
	}
	fmt.Printf("\nDetailed timing:\n  Plain:  %v\n  Engine: %v\n", plainDuration, engineDuration)
	return nil
}

func benchmarkPlain(ctx context.Context, url string, out *os.File) (time.Duration, int64, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return 0, 0, err
	}
	return time.Since(start), n, nil
}

func benchmarkEngine(ctx context.Context, url string, outPath string) (time.Duration, int64, error) {
	registry := protocol.NewRegistry()
	registry.Register(httpproto.New(http.DefaultTransport))
	controller := fetch.NewController(registry)

	start := time.Now()
	result := controller.Fetch(ctx, fetch.Request{
		URLs:         []string{url},
		OutputPath:   outPath,
		MaxConns:     maxConcurrent,
		MinChunkSize: minChunkSize,
	})
	if result.Failure != nil {
		return 0, 0, fmt.Errorf("%s: %s", result.Failure.Kind, result.Failure.Message)
	}
	return time.Since(start), result.Success.Bytes, nil
}

func reportRate(label string, size int64, d time.Duration) {
	fmt.Printf("  %s: %d bytes in %v (%.2f MB/s)\n", label, size, d, float64(size)/d.Seconds()/(1024*1024))
}

func validateResponses(path1, path2 string) error {
	stat1, err := os.Stat(path1)
	if err != nil {
		return err
	}
	stat2, err := os.Stat(path2)
	if err != nil {
		return err
	}
	if stat1.Size() != stat2.Size() {
		return fmt.Errorf("file sizes differ: plain=%d bytes, engine=%d bytes", stat1.Size(), stat2.Size())
	}

	hash1, err := hashFile(path1)
	if err != nil {
		return err
	}
	hash2, err := hashFile(path2)
	if err != nil {
		return err
	}
	if !bytes.Equal(hash1, hash2) {
		return fmt.Errorf("file contents differ: SHA-256 hashes do not match")
	}
	return nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
