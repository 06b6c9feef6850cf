package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxion-net/fluxion/internal/logging"
	"github.com/fluxion-net/fluxion/pkg/fetch"
	"github.com/fluxion-net/fluxion/pkg/fetch/bandwidth"
	"github.com/fluxion-net/fluxion/pkg/fetch/chunker"
	"github.com/fluxion-net/fluxion/pkg/fetch/integrity"
	"github.com/fluxion-net/fluxion/pkg/fetch/internal/bufferfile"
	"github.com/fluxion-net/fluxion/pkg/fetch/optimizer"
	"github.com/fluxion-net/fluxion/pkg/fetch/protocol"
	"github.com/fluxion-net/fluxion/pkg/fetch/retry"
)

// TickInterval is the period between connection-optimizer evaluations.
const TickInterval = 2 * time.Second

// readBufSize is the buffer used to copy a chunk's body into memory before
// it is landed; a single read's worth never exceeds the chunker's max.
const readBufSize = 32 * 1024

// ErrDegradeToSingle signals the Controller that a chunk's protocol refused
// or truncated a range request; the caller should re-plan the fetch in
// SINGLE mode rather than treat this as fatal.
var ErrDegradeToSingle = errors.New("scheduler: protocol degraded, replan as single stream")

// Scheduler drives a PARALLEL-mode FetchPlan to completion across a
// dynamically sized pool of range-read workers.
type Scheduler struct {
	handler  protocol.Handler
	session  protocol.Session
	assembly *Assembly

	bw   *bandwidth.Estimator
	ch   *chunker.Chunker
	opt  *optimizer.Optimizer
	gate *gate

	verifier *integrity.Verifier
	sink     fetch.Sink
	log      logging.Logger

	resumeOffset int64
	totalSize    int64

	landed atomic.Int64
}

// New constructs a Scheduler for a single fetch. The handler session must
// already be open; the assembly file must already be sized. min/maxConns
// come from the FetchPlan and are further clamped to the handler's own
// MaxConcurrentStreams ceiling when it advertises one.
func New(handler protocol.Handler, session protocol.Session, assembly *Assembly, plan fetch.FetchPlan, sink fetch.Sink, log logging.Logger) *Scheduler {
	if sink == nil {
		sink = fetch.NopSink{}
	}
	if log == nil {
		log = logging.Default()
	}
	maxConns := plan.MaxConns
	if maxConns <= 0 {
		maxConns = 32
	}
	cap := plan.MaxConcurrentCap
	if cap <= 0 {
		cap = handler.MaxConcurrentStreams()
	}
	if cap > 0 && cap < maxConns {
		maxConns = cap
	}
	minConns := plan.MinConns
	if minConns <= 0 {
		minConns = 1
	}
	opt := optimizer.NewWithInitial(minConns, maxConns, plan.InitialN)
	return &Scheduler{
		handler:      handler,
		session:      session,
		assembly:     assembly,
		bw:           bandwidth.New(),
		ch:           chunker.New(),
		opt:          opt,
		gate:         newGate(opt.N()),
		verifier:     integrity.New(),
		sink:         sink,
		log:          log,
		resumeOffset: plan.ResumeOffset,
		totalSize:    plan.TotalSize,
	}
}

// Run executes the fetch to completion, returning the total bytes landed
// and the final digest, or an error (possibly ErrDegradeToSingle).
func (s *Scheduler) Run(ctx context.Context) (int64, []byte, error) {
	if s.resumeOffset > 0 {
		seed := make([]byte, s.resumeOffset)
		if err := s.assembly.ReadAt(seed, 0); err != nil {
			return 0, nil, fmt.Errorf("scheduler: seeding resumed bytes: %w", err)
		}
		if err := s.verifier.Land(0, seed); err != nil {
			return 0, nil, fmt.Errorf("scheduler: seeding integrity cursor: %w", err)
		}
		s.landed.Store(s.resumeOffset)
	}
	if s.totalSize <= s.resumeOffset {
		return s.landed.Load(), s.verifier.Finalize(), nil
	}

	egctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egctx := errgroup.WithContext(egctx)

	q := newQueue(workItem{offset: s.resumeOffset, length: s.totalSize - s.resumeOffset})
	done := make(chan struct{})

	eg.Go(func() error {
		s.tickLoop(egctx, done)
		return nil
	})

	eg.Go(func() error {
		err := s.dispatch(egctx, eg, q)
		close(done)
		return err
	})

	err := eg.Wait()
	s.gate.close()
	q.wake()
	if err != nil {
		return s.landed.Load(), nil, err
	}
	return s.landed.Load(), s.verifier.Finalize(), nil
}

func (s *Scheduler) tickLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case now := <-ticker.C:
			if s.opt.OnTick(now, s.bw.SmoothedRate()) {
				s.gate.setN(s.opt.N())
				s.sink.OnConcurrencyChanged(s.opt.N(), "tick")
			}
		}
	}
}

// dispatch pops PENDING items, applies the split/backpressure policy, and
// spawns one worker per resulting piece. It returns once the queue is
// permanently empty or the context is cancelled.
func (s *Scheduler) dispatch(ctx context.Context, eg *errgroup.Group, q *queue) error {
	for {
		type popResult struct {
			item workItem
			ok   bool
		}
		resultCh := make(chan popResult, 1)
		go func() {
			item, ok := q.popBlocking()
			resultCh <- popResult{item, ok}
		}()

		var res popResult
		select {
		case <-ctx.Done():
			q.wake()
			<-resultCh // drain to avoid leaking the popper goroutine
			return ctx.Err()
		case res = <-resultCh:
		}
		if !res.ok {
			return nil
		}

		item := res.item
		size := s.ch.Next(s.bw.SmoothedRate())
		if item.length > size && q.len() >= s.gate.currentN() {
			remainder := workItem{offset: item.offset + size, length: item.length - size, attempts: item.attempts}
			q.pushFront(remainder)
			item.length = size
		}

		eg.Go(func() error {
			defer q.finish()
			return s.processChunk(ctx, q, item)
		})
	}
}

func (s *Scheduler) processChunk(ctx context.Context, q *queue, item workItem) error {
	if !s.gate.acquire() {
		return nil
	}
	start := time.Now()
	buf, err := s.readChunk(ctx, item)
	s.gate.release()

	if err != nil {
		return s.handleChunkError(ctx, q, item, err)
	}

	if err := s.verifier.Land(item.offset, buf); err != nil {
		return fmt.Errorf("scheduler: integrity land at offset %d: %w", item.offset, err)
	}
	if err := s.assembly.WriteAt(buf, item.offset); err != nil {
		return &retry.FatalError{Err: err}
	}

	s.landed.Add(int64(len(buf)))
	s.sink.OnChunkLanded(item.offset, item.length, time.Since(start))
	return nil
}

// readChunk reads a single range to completion through a write-behind
// FIFO: a goroutine copies socket bytes into the FIFO as they arrive
// (recording bandwidth samples per read), while this goroutine drains the
// FIFO in order into an in-memory buffer handed to the integrity verifier
// and the assembly file. This decouples the pace of the network read from
// the pace of the landing write without requiring the two to interleave
// directly.
func (s *Scheduler) readChunk(ctx context.Context, item workItem) ([]byte, error) {
	rc, err := s.handler.ReadRange(ctx, s.session, item.offset, item.length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	fifo, err := bufferfile.NewFIFOInDir("")
	if err != nil {
		return nil, &retry.FatalError{Err: err}
	}
	defer fifo.Close()

	writeErrCh := make(chan error, 1)
	go func() {
		chunk := make([]byte, readBufSize)
		for {
			n, rerr := rc.Read(chunk)
			if n > 0 {
				if _, werr := fifo.Write(chunk[:n]); werr != nil {
					fifo.Close()
					writeErrCh <- werr
					return
				}
				s.bw.Record(time.Now(), int64(n))
			}
			if rerr == io.EOF {
				fifo.CloseWrite()
				writeErrCh <- nil
				return
			}
			if rerr != nil {
				fifo.Close()
				writeErrCh <- rerr
				return
			}
		}
	}()

	buf := make([]byte, item.length)
	var got int64
	for got < item.length {
		n, rerr := fifo.Read(buf[got:])
		got += int64(n)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			<-writeErrCh
			return nil, rerr
		}
	}
	if werr := <-writeErrCh; werr != nil {
		return nil, werr
	}
	buf = buf[:got]
	if int64(len(buf)) != item.length {
		return nil, &retry.PartialRangeError{Err: fmt.Errorf("short read: got %d bytes, want %d", len(buf), item.length)}
	}
	return buf, nil
}

func (s *Scheduler) handleChunkError(ctx context.Context, q *queue, item workItem, err error) error {
	decision := retry.Classify(err, item.attempts+1)

	if decision.Throttle {
		s.opt.OnThrottle()
		s.gate.setN(s.opt.N())
		s.sink.OnConcurrencyChanged(s.opt.N(), "throttle")
	}

	s.sink.OnRetry(string(decision.Category), decision.Delay, item.attempts+1)

	switch decision.Verdict {
	case retry.Fail:
		if decision.DegradeToSingle {
			return ErrDegradeToSingle
		}
		if decision.Category == retry.CategoryServerBackoff {
			return fmt.Errorf("scheduler: chunk at offset %d exhausted retries: %w", item.offset, &retry.ServerBackoffError{Err: err})
		}
		return fmt.Errorf("scheduler: chunk at offset %d failed: %w", item.offset, err)
	default:
		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return nil
		}
		item.attempts++
		q.pushFront(item)
		return nil
	}
}
