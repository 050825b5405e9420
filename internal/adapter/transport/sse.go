package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"agent-webapp/internal/domain"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 4 * 1024 * 1024
)

var (
	dataPrefix = []byte("data:")
	doneSignal = []byte("[DONE]")
)

// sseStream reads chunks from a text/event-stream body. It implements
// domain.ChunkStream: Recv is called from one goroutine, Close from any.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	decoder *ChunkDecoder

	done      bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newSSEStream(body io.ReadCloser, decoder *ChunkDecoder) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineBuffer)
	return &sseStream{body: body, scanner: scanner, decoder: decoder}
}

// Recv returns the next chunk. It returns io.EOF after "[DONE]" or a clean
// end of body. Unlike comment and event lines, a data payload that does not
// decode is an error, never skipped.
func (s *sseStream) Recv() (domain.StreamChunk, error) {
	if s.done {
		return domain.StreamChunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Skip empty lines and comments.
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		// Only "data:" lines carry payloads; event, id and retry fields are ignored.
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, dataPrefix))
		if len(data) == 0 {
			continue
		}

		if bytes.Equal(data, doneSignal) {
			s.finish()
			return domain.StreamChunk{}, io.EOF
		}

		chunk, err := s.decoder.Decode(data)
		if err != nil {
			s.finish()
			return domain.StreamChunk{}, err
		}
		return chunk, nil
	}

	closedByCaller := s.closed.Load()
	s.finish()
	if err := s.scanner.Err(); err != nil {
		if closedByCaller {
			return domain.StreamChunk{}, fmt.Errorf("%w: stream closed", domain.ErrStreamInterrupted)
		}
		return domain.StreamChunk{}, fmt.Errorf("%w: %v", domain.ErrStreamInterrupted, err)
	}
	return domain.StreamChunk{}, io.EOF
}

// finish releases the body once no more chunks will be read.
func (s *sseStream) finish() {
	s.done = true
	_ = s.Close()
}

// Close releases the connection. It is safe to call more than once and
// unblocks a pending Recv.
func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
