package executor

import (
	"io"
	"sync"
	"sync/atomic"
)

const (
	// readChunkSize is the temporary buffer for draining the source pipe.
	// 4KB aligns with typical pipe buffer sizes.
	readChunkSize = 4096
)

// diagStream drains a process's diagnostic pipe into an in-memory buffer and
// fans it out to any number of subscribers, each of which sees the complete
// stream from the beginning. The buffer is retained until the handle is
// dropped so the exit-error tail can be extracted after the process dies.
//
// NOTE: the buffer grows unbounded. Media tools at -loglevel error emit a few
// KB of progress lines per minute of output, so this fits the in-memory
// assumption; a long-haul system would spill to disk.
type diagStream struct {
	mu   sync.Mutex
	cond sync.Cond
	buf  []byte
	done chan struct{}
}

// newDiagStream creates a stream and immediately starts draining source.
// Draining continues until the source returns io.EOF, which happens when the
// process exits and the kernel closes the write end.
func newDiagStream(source io.ReadCloser) *diagStream {
	s := &diagStream{done: make(chan struct{})}
	s.cond.L = &s.mu

	go s.drain(source)

	return s
}

func (s *diagStream) drain(source io.ReadCloser) {
	defer func() {
		close(s.done)
		source.Close()

		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	chunk := make([]byte, readChunkSize)

	for {
		n, err := source.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.cond.Broadcast()
			s.mu.Unlock()
		}

		if err != nil {
			// Non-EOF errors also end the stream; there is nothing
			// more to read from a broken pipe either way.
			return
		}
	}
}

// Subscribe returns a reader delivering the stream from the beginning.
// Read blocks waiting for new data and returns io.EOF once the stream has
// ended and all buffered data has been consumed. Close cancels the
// subscription.
func (s *diagStream) Subscribe() io.ReadCloser {
	return &diagReader{s: s}
}

// Done returns a channel closed when the source has been fully drained.
func (s *diagStream) Done() <-chan struct{} {
	return s.done
}

// Tail returns up to n bytes from the end of the buffered stream.
func (s *diagStream) Tail(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) <= n {
		return string(s.buf)
	}

	return string(s.buf[len(s.buf)-n:])
}

func (s *diagStream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// diagReader is one subscriber's cursor into the shared buffer.
type diagReader struct {
	position int
	closed   atomic.Bool

	s *diagStream
}

func (r *diagReader) Read(p []byte) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for r.position >= len(r.s.buf) && !r.finished() {
		r.s.cond.Wait()
	}

	if r.finished() {
		return 0, io.EOF
	}

	n := copy(p, r.s.buf[r.position:])
	r.position += n

	return n, nil
}

func (r *diagReader) Close() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.closed.Store(true)
	r.s.cond.Broadcast()

	return nil
}

func (r *diagReader) finished() bool {
	return r.closed.Load() || (r.s.isDone() && r.position >= len(r.s.buf))
}
