package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fluxion-net/fluxion/internal/logging"
	"github.com/fluxion-net/fluxion/internal/sanitize"
	"github.com/fluxion-net/fluxion/pkg/fetch/bandwidth"
	"github.com/fluxion-net/fluxion/pkg/fetch/integrity"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
	"github.com/fluxion-net/fluxion/pkg/fetch/scheduler"
)

// GracePeriod bounds how long the Controller waits for in-flight chunks to
// land after a cancellation before force-closing handlers and returning.
const GracePeriod = 2 * time.Second

// singleReadBuf sizes the copy loop used for SINGLE and STREAM mode reads.
const singleReadBuf = 256 * 1024

// Controller is the top-level state machine (C8): PROBING -> PLANNING ->
// EXECUTING -> VERIFYING -> FINALIZING -> DONE, with FAILED reachable from
// any state and a PLANNING re-entry when a PARALLEL execution degrades.
// Every per-fetch component — bandwidth estimator, chunker, optimizer,
// retry classifier, integrity hasher — is constructed fresh inside Fetch
// and discarded when it returns; the Controller itself holds nothing but
// the protocol registry and the caller's sink/logger.
type Controller struct {
	registry *protocol.Registry
	sink     Sink
	log      logging.Logger
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithSink sets the event sink every fetch reports to.
func WithSink(sink Sink) Option {
	return func(c *Controller) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// NewController returns a Controller backed by registry. No global mutable
// state is kept beyond the registry and the caller-supplied sink/logger;
// everything per-fetch is scoped inside Fetch.
func NewController(registry *protocol.Registry, opts ...Option) *Controller {
	c := &Controller{registry: registry, sink: NopSink{}, log: logging.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch drives req through the full state machine and returns a terminal
// Result. It never panics on a malformed request; every failure mode is
// reported as Result.Failure.
func (c *Controller) Fetch(ctx context.Context, req Request) Result {
	start := time.Now()

	candidates, err := parseCandidates(req.URLs)
	if err != nil {
		return Result{Failure: &Failure{Kind: KindUnsupportedScheme, Message: err.Error()}}
	}

	mirrored := len(candidates) > 1

	target, probe, handler, err := c.probeAll(ctx, candidates, req)
	if err != nil {
		return Result{Failure: probeFailure(err)}
	}
	c.logProbe(target, probe)
	c.sink.OnProbe(probe)

	plan, err := c.planFetch(target, probe, req, mirrored)
	if err != nil {
		return Result{Failure: &Failure{Kind: KindUnsupportedScheme, Message: err.Error()}}
	}
	plan.MaxConcurrentCap = handler.MaxConcurrentStreams()
	c.sink.OnPlan(plan)

	if err := writeMeta(plan.AssemblyPath, partialMeta{
		URL:          target.Raw,
		TotalSize:    plan.TotalSize,
		ETag:         probe.ETag,
		LastModified: probe.LastModified,
		ChunkSize:    plan.MinChunkSize,
	}); err != nil {
		c.log.Warnf("writing resume witness: %v", err)
	}

	res := c.runToCompletion(ctx, handler, target, plan, req, start)
	c.sink.OnComplete(res)
	return res
}

// runToCompletion executes plan and, if a PARALLEL execution degrades to
// SINGLE (the server ignored range requests mid-fetch), re-plans once and
// retries — mirroring the PLANNING(SINGLE) re-entry in the state diagram.
func (c *Controller) runToCompletion(ctx context.Context, handler protocol.Handler, target Target, plan FetchPlan, req Request, start time.Time) Result {
	res := c.execute(ctx, handler, target, plan, req, start)
	if res.Failure != nil && res.Failure.Kind == KindProtocolDegraded {
		single := plan
		single.Mode = ModeSingle
		single.transferMode = ModeSingle
		single.ResumeOffset = 0
		os.Remove(plan.AssemblyPath)
		removeMeta(plan.AssemblyPath)
		c.sink.OnPlan(single)
		return c.execute(ctx, handler, target, single, req, start)
	}
	return res
}

func (c *Controller) execute(ctx context.Context, handler protocol.Handler, target Target, plan FetchPlan, req Request, start time.Time) Result {
	opts := optionsFor(target, req)
	session, err := handler.Open(ctx, target, opts)
	if err != nil {
		return Result{Failure: &Failure{Kind: KindTransientNetwork, Message: err.Error()}}
	}
	defer session.Close()

	switch plan.transferMode {
	case ModeParallel:
		return c.executeParallel(ctx, handler, session, plan, req, start)
	case ModeStream:
		return c.executeStream(ctx, handler, session, plan, req, start)
	default:
		return c.executeSingle(ctx, handler, session, plan, req, start)
	}
}

func (c *Controller) executeParallel(ctx context.Context, handler protocol.Handler, session protocol.Session, plan FetchPlan, req Request, start time.Time) Result {
	asm, err := scheduler.OpenAssembly(plan.AssemblyPath, plan.TotalSize)
	if err != nil {
		return Result{Failure: &Failure{Kind: KindLocalIO, Message: err.Error()}}
	}

	sched := scheduler.New(handler, session, asm, plan, c.sink, c.log)

	landed, digest, runErr := c.withGrace(ctx, func(runCtx context.Context) (int64, []byte, error) {
		return sched.Run(runCtx)
	})

	if errors.Is(runErr, scheduler.ErrDegradeToSingle) {
		asm.Close()
		return Result{Failure: &Failure{Kind: KindProtocolDegraded, Message: "server ignored range requests", PartialBytes: landed, CanResume: false}}
	}
	if runErr != nil {
		asm.Close()
		return c.terminalError(runErr, landed, plan)
	}

	return c.verifyAndFinalize(asm, plan, req, digest, landed, start)
}

// withGrace runs fn against ctx; if ctx is cancelled, fn is given
// GracePeriod more time to land in-flight work before its result is
// abandoned and a cancellation error is returned instead.
func (c *Controller) withGrace(ctx context.Context, fn func(context.Context) (int64, []byte, error)) (int64, []byte, error) {
	type result struct {
		landed int64
		digest []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		landed, digest, err := fn(ctx)
		done <- result{landed, digest, err}
	}()

	select {
	case r := <-done:
		return r.landed, r.digest, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			return r.landed, r.digest, r.err
		case <-time.After(GracePeriod):
			return 0, nil, ErrCancelled
		}
	}
}

func (c *Controller) executeSingle(ctx context.Context, handler protocol.Handler, session protocol.Session, plan FetchPlan, req Request, start time.Time) Result {
	asm, err := scheduler.OpenAssembly(plan.AssemblyPath, plan.TotalSize)
	if err != nil {
		return Result{Failure: &Failure{Kind: KindLocalIO, Message: err.Error()}}
	}

	verifier := integrity.New()
	if plan.ResumeOffset > 0 {
		if err := seedVerifier(verifier, plan.AssemblyPath, plan.ResumeOffset); err != nil {
			asm.Close()
			return Result{Failure: &Failure{Kind: KindLocalIO, Message: err.Error()}}
		}
	}

	var body io.ReadCloser
	if plan.ResumeOffset > 0 && handler.SupportsRange() {
		body, err = handler.ReadRange(ctx, session, plan.ResumeOffset, plan.TotalSize-plan.ResumeOffset)
	} else {
		body, err = handler.ReadAll(ctx, session)
	}
	if err != nil {
		asm.Close()
		return c.terminalError(err, plan.ResumeOffset, plan)
	}
	defer body.Close()

	bw := bandwidth.New()
	landed, err := c.copyToAssembly(ctx, asm, verifier, bw, body, plan.ResumeOffset)
	if err != nil {
		asm.Close()
		return c.terminalError(err, landed, plan)
	}

	return c.verifyAndFinalize(asm, plan, req, verifier.Finalize(), landed, start)
}

func (c *Controller) executeStream(ctx context.Context, handler protocol.Handler, session protocol.Session, plan FetchPlan, req Request, start time.Time) Result {
	body, err := handler.ReadAll(ctx, session)
	if err != nil {
		return c.terminalError(err, 0, plan)
	}
	defer body.Close()

	verifier := integrity.New()
	bw := bandwidth.New()
	buf := make([]byte, singleReadBuf)
	var landed int64
	for {
		select {
		case <-ctx.Done():
			return Result{Failure: &Failure{Kind: KindCancelled, Message: "cancelled", PartialBytes: landed}}
		default:
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := verifier.Land(landed, chunk); err != nil {
				return Result{Failure: &Failure{Kind: KindLocalIO, Message: err.Error(), PartialBytes: landed}}
			}
			if req.StreamSink != nil {
				if _, werr := req.StreamSink.Write(chunk); werr != nil {
					return Result{Failure: &Failure{Kind: KindLocalIO, Message: werr.Error(), PartialBytes: landed}}
				}
			}
			landed += int64(n)
			bw.Record(time.Now(), int64(n))
			c.sink.OnProgress(landed, plan.TotalSize, bw.SmoothedRate(), etaOf(bw, plan.TotalSize, landed))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return c.terminalError(rerr, landed, plan)
		}
	}

	digest := verifier.Finalize()
	if len(req.ExpectedSHA256) > 0 && !integrity.Compare(digest, req.ExpectedSHA256) {
		return Result{Failure: &Failure{Kind: KindIntegrityMismatch, Message: "hash mismatch", PartialBytes: landed}}
	}
	return Result{Success: &Success{
		Bytes:           landed,
		Duration:        time.Since(start),
		AvgThroughput:   throughput(landed, time.Since(start)),
		SHA256:          digest,
		ProtocolUsed:    "stream",
		ConnectionsUsed: 1,
	}}
}

func (c *Controller) copyToAssembly(ctx context.Context, asm *scheduler.Assembly, verifier *integrity.Verifier, bw *bandwidth.Estimator, body io.Reader, offset int64) (int64, error) {
	buf := make([]byte, singleReadBuf)
	landed := offset
	for {
		select {
		case <-ctx.Done():
			return landed, ErrCancelled
		default:
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := verifier.Land(landed, chunk); err != nil {
				return landed, fmt.Errorf("integrity land: %w", err)
			}
			if err := asm.WriteAt(chunk, landed); err != nil {
				return landed, err
			}
			landed += int64(n)
			bw.Record(time.Now(), int64(n))
			c.sink.OnChunkLanded(landed-int64(n), int64(n), 0)
		}
		if rerr == io.EOF {
			return landed, nil
		}
		if rerr != nil {
			return landed, rerr
		}
	}
}

// verifyAndFinalize runs VERIFYING then FINALIZING: compares the computed
// digest against the expected one (if supplied), asserts the landed byte
// count against a known content length, fsyncs and atomically renames the
// assembly file, and removes the resume witness.
func (c *Controller) verifyAndFinalize(asm *scheduler.Assembly, plan FetchPlan, req Request, digest []byte, landed int64, start time.Time) Result {
	if plan.TotalSize >= 0 && landed != plan.TotalSize {
		asm.Close()
		return Result{Failure: &Failure{Kind: KindLocalIO, Message: fmt.Sprintf("landed %d bytes, expected %d", landed, plan.TotalSize), PartialBytes: landed, CanResume: true}}
	}
	if len(req.ExpectedSHA256) > 0 && !integrity.Compare(digest, req.ExpectedSHA256) {
		asm.Remove()
		removeMeta(plan.AssemblyPath)
		return Result{Failure: &Failure{Kind: KindIntegrityMismatch, Message: "hash mismatch", PartialBytes: landed}}
	}

	if err := asm.Finalize(plan.OutputPath); err != nil {
		return Result{Failure: &Failure{Kind: KindLocalIO, Message: err.Error(), PartialBytes: landed, CanResume: true}}
	}
	removeMeta(plan.AssemblyPath)

	return Result{Success: &Success{
		Bytes:           landed,
		Duration:        time.Since(start),
		AvgThroughput:   throughput(landed, time.Since(start)),
		SHA256:          digest,
		ProtocolUsed:    plan.transferMode.String(),
		ConnectionsUsed: plan.MaxConns,
	}}
}

func (c *Controller) terminalError(err error, partialBytes int64, plan FetchPlan) Result {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return Result{Failure: &Failure{Kind: KindCancelled, Message: "cancelled", PartialBytes: partialBytes, CanResume: true}}
	}
	if errors.Is(err, ErrPinMismatch) {
		return Result{Failure: &Failure{Kind: KindPinMismatch, Message: err.Error(), PartialBytes: partialBytes}}
	}
	var tlsErr *retry.TLSError
	if errors.As(err, &tlsErr) {
		return Result{Failure: &Failure{Kind: KindTLSFailure, Message: err.Error(), PartialBytes: partialBytes}}
	}
	var backoffErr *retry.ServerBackoffError
	if errors.As(err, &backoffErr) {
		return Result{Failure: &Failure{Kind: KindServerBackoff, Message: err.Error(), PartialBytes: partialBytes, CanResume: plan.AssemblyPath != ""}}
	}
	return Result{Failure: &Failure{Kind: KindTransientNetwork, Message: err.Error(), PartialBytes: partialBytes, CanResume: plan.AssemblyPath != ""}}
}

// logProbe records the outcome of PROBING. ETag, server identity, and TLS
// SANs all originate from the remote server and are sanitized before
// they reach the logger, since a hostile server can otherwise smuggle
// control characters (newlines to forge extra log lines, escape
// sequences for terminal injection) into them.
func (c *Controller) logProbe(target Target, probe ProbeResult) {
	fields := fmt.Sprintf("proto=%s peer=%s etag=%q", probe.Protocol, probe.PeerAddr, sanitize.ForLog(probe.ETag))
	if probe.ServerIdentity != "" {
		fields += fmt.Sprintf(" server=%q", sanitize.ForLog(probe.ServerIdentity))
	}
	if probe.TLS != nil {
		sans := make([]string, len(probe.TLS.SANs))
		for i, s := range probe.TLS.SANs {
			sans[i] = sanitize.ForLog(s)
		}
		fields += fmt.Sprintf(" tls_issuer=%q tls_sans=%v", sanitize.ForLog(probe.TLS.Issuer), sans)
	}
	c.log.Infof("probed %s: %s", target.Raw, fields)
}

func probeFailure(err error) *Failure {
	if errors.Is(err, ErrUnsupportedScheme) {
		return &Failure{Kind: KindUnsupportedScheme, Message: err.Error()}
	}
	if errors.Is(err, ErrPinMismatch) {
		return &Failure{Kind: KindPinMismatch, Message: err.Error()}
	}
	var tlsErr *retry.TLSError
	if errors.As(err, &tlsErr) {
		return &Failure{Kind: KindTLSFailure, Message: err.Error()}
	}
	var backoffErr *retry.ServerBackoffError
	if errors.As(err, &backoffErr) {
		return &Failure{Kind: KindServerBackoff, Message: err.Error()}
	}
	return &Failure{Kind: KindTransientNetwork, Message: err.Error()}
}

func seedVerifier(v *integrity.Verifier, assemblyPath string, upTo int64) error {
	f, err := os.Open(assemblyPath)
	if err != nil {
		return err
	}
	defer f.Close()
	data := make([]byte, upTo)
	if _, err := io.ReadFull(f, data); err != nil {
		return err
	}
	return v.Land(0, data)
}

func throughput(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) / d.Seconds()
}

func etaOf(bw *bandwidth.Estimator, total, landed int64) time.Duration {
	if total < 0 {
		return 0
	}
	eta, ok := bw.ETA(total - landed)
	if !ok {
		return 0
	}
	return eta
}

// candidate pairs a parsed Target with the scheme handler that will serve
// it, resolved once up front so PLANNING never has to re-consult the
// registry.
type candidate struct {
	target  Target
	handler protocol.Handler
}

func parseCandidates(urls []string) ([]candidate, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no urls supplied")
	}
	out := make([]candidate, 0, len(urls))
	for _, u := range urls {
		t, err := ParseTarget(u)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{target: t})
	}
	return out, nil
}

// probeAll resolves each candidate's handler and probes it. A single URL
// probes directly; multiple URLs run in MIRROR mode — all probed
// concurrently, the winner chosen by lowest latency, ties broken first by
// known-content-length over unknown, then lexicographically by URL.
func (c *Controller) probeAll(ctx context.Context, candidates []candidate, req Request) (Target, ProbeResult, protocol.Handler, error) {
	for i := range candidates {
		h, ok := c.registry.Lookup(candidates[i].target.Scheme)
		if !ok {
			return Target{}, ProbeResult{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, candidates[i].target.Scheme)
		}
		candidates[i].handler = h
	}

	if len(candidates) == 1 {
		opts := optionsFor(candidates[0].target, req)
		probe, err := candidates[0].handler.Probe(ctx, candidates[0].target, opts)
		if err != nil {
			return Target{}, ProbeResult{}, nil, err
		}
		return candidates[0].target, probe, candidates[0].handler, nil
	}

	type probed struct {
		idx   int
		probe ProbeResult
		err   error
	}
	results := make([]probed, len(candidates))
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			opts := optionsFor(candidates[i].target, req)
			p, err := candidates[i].handler.Probe(ctx, candidates[i].target, opts)
			results[i] = probed{idx: i, probe: p, err: err}
		}(i)
	}
	wg.Wait()

	winners := make([]probed, 0, len(results))
	for _, r := range results {
		if r.err == nil {
			winners = append(winners, r)
		}
	}
	if len(winners) == 0 {
		return Target{}, ProbeResult{}, nil, fmt.Errorf("all mirror candidates failed to probe")
	}
	sort.Slice(winners, func(i, j int) bool {
		a, b := winners[i], winners[j]
		if a.probe.Latency != b.probe.Latency {
			return a.probe.Latency < b.probe.Latency
		}
		aUnknown, bUnknown := a.probe.ContentLength < 0, b.probe.ContentLength < 0
		if aUnknown != bUnknown {
			return !aUnknown
		}
		return candidates[a.idx].target.Raw < candidates[b.idx].target.Raw
	})
	win := winners[0]
	return candidates[win.idx].target, win.probe, candidates[win.idx].handler, nil
}

// planFetch builds a FetchPlan from a ProbeResult and the caller's
// Request, resolving resume eligibility against any existing ".partial".
// mirrored is true when probeAll chose target out of more than one
// candidate URL; Mode then reports ModeMirror for observability while
// transferMode still drives the PARALLEL/SINGLE/STREAM dispatch the
// winning target actually supports.
func (c *Controller) planFetch(target Target, probe ProbeResult, req Request, mirrored bool) (FetchPlan, error) {
	outputPath := req.OutputPath
	transferMode := ModeStream
	switch {
	case outputPath == "":
		transferMode = ModeStream
	case probe.SupportsRange && probe.ContentLength > 0:
		transferMode = ModeParallel
	default:
		transferMode = ModeSingle
	}
	reportedMode := transferMode
	if mirrored {
		reportedMode = ModeMirror
	}

	maxConns := req.MaxConns
	if maxConns <= 0 {
		maxConns = 32
	}
	plan := FetchPlan{
		Mode:         reportedMode,
		transferMode: transferMode,
		URL:          target,
		OutputPath:   outputPath,
		TotalSize:    probe.ContentLength,
		ETag:         probe.ETag,
		LastModified: probe.LastModified,
		MinChunkSize: req.MinChunkSize,
		MaxChunkSize: req.MaxChunkSize,
		MaxConns:     req.MaxConns,
		MinConns:     1,
		InitialN:     initialConcurrency(maxConns),
	}
	plan.ExpectedSHA256 = req.ExpectedSHA256

	if outputPath != "" {
		plan.AssemblyPath = outputPath + ".partial"
		if req.Resume {
			plan.ResumeOffset = resolveResume(plan.AssemblyPath, target.Raw, probe)
		} else {
			os.Remove(plan.AssemblyPath)
			removeMeta(plan.AssemblyPath)
		}
	}
	if plan.ResumeOffset > 0 && !probe.SupportsRange {
		// Can't resume without range support; start over.
		plan.ResumeOffset = 0
	}
	return plan, nil
}

// initialConcurrency mirrors the optimizer's own default (min(8, max)) so
// FetchPlan.InitialN is meaningful to a sink before the scheduler ever
// constructs its Optimizer.
func initialConcurrency(maxConns int) int {
	const defaultInitial = 8
	if maxConns < defaultInitial {
		return maxConns
	}
	return defaultInitial
}

func optionsFor(target Target, req Request) protocol.Options {
	opts := protocol.Options{
		Timeout:   int64(req.Timeout),
		Proxy:     req.Proxy,
		VerifyTLS: req.VerifyTLS,
		Headers:   req.Headers,
		Cookie:    req.Cookie,
		Disable3:  req.DisableHTTP3,
	}
	if pin, ok := req.PinnedSHA256[target.Host]; ok {
		opts.PinnedSHA256 = pin
		opts.HasPin = true
	}
	return opts
}
