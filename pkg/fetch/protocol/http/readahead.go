package http

import (
	"io"

	"github.com/smallnest/ringbuffer"
)

// readAheadSize bounds how far a chunk read is allowed to get ahead of its
// consumer before the socket read blocks.
const readAheadSize = 1 << 20 // 1 MiB

// readAhead wraps an HTTP response body in a blocking ring buffer: a pump
// goroutine drains the socket into the ring as fast as the transport will
// give bytes, while Read serves the scheduler's chunk worker at its own
// pace. This keeps a chunk that is momentarily slow to drain (e.g. the
// write-behind FIFO's disk write falling behind) from stalling the TCP
// connection's receive window the way a direct, unbuffered Read of
// resp.Body would.
type readAhead struct {
	src  io.ReadCloser
	ring *ringbuffer.RingBuffer
	done chan struct{}
}

func newReadAhead(src io.ReadCloser) *readAhead {
	ra := &readAhead{
		src:  src,
		ring: ringbuffer.New(readAheadSize).SetBlocking(true),
		done: make(chan struct{}),
	}
	go ra.pump()
	return ra
}

func (ra *readAhead) pump() {
	io.Copy(ra.ring, ra.src)
	ra.ring.CloseWriter()
	close(ra.done)
}

func (ra *readAhead) Read(p []byte) (int, error) {
	return ra.ring.Read(p)
}

func (ra *readAhead) Close() error {
	err := ra.src.Close()
	<-ra.done
	return err
}
