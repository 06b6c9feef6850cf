package http

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type closeCountingReader struct {
	io.Reader
	closed int
}

func (c *closeCountingReader) Close() error {
	c.closed++
	return nil
}

func TestReadAheadPassesBytesThrough(t *testing.T) {
	want := bytes.Repeat([]byte("fluxion"), 10_000)
	src := &closeCountingReader{Reader: bytes.NewReader(want)}

	ra := newReadAhead(src)
	got, err := io.ReadAll(ra)
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, ra.Close())
	require.Equal(t, 1, src.closed)
}

func TestReadAheadSlowConsumerDoesNotDropBytes(t *testing.T) {
	want := bytes.Repeat([]byte{0xAB}, readAheadSize*3)
	src := &closeCountingReader{Reader: bytes.NewReader(want)}

	ra := newReadAhead(src)
	buf := make([]byte, 4096)
	var got []byte
	for {
		n, err := ra.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, want, got)
}
