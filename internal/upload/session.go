package upload

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"

	"wsupload/internal/upload/codec"
	"wsupload/internal/upload/protocol"
	uerrors "wsupload/pkg/errors"
	"wsupload/pkg/logger"
)

const sinkBufferSize = 64 * 1024

// Session is one in-progress upload. Compressed chunks accumulate in an
// in-memory buffer that is pushed through the decoder whenever it reaches
// the threshold, and once more when the session is closed.
//
// A Session is owned by a single connection goroutine and is not safe for
// concurrent use.
type Session struct {
	id        protocol.ID
	path      string
	encoding  codec.Encoding
	threshold int

	buffer []byte

	file    *os.File
	sink    *bufio.Writer
	decoder codec.Decoder
	hasher  *blake3.Hasher
	written *countingWriter

	fed     int64
	dropped int64
	flushes int
	err     error
	started time.Time
	logger  *logger.Logger
}

// Result describes a finalized upload.
type Result struct {
	ID         protocol.ID
	Path       string
	Encoding   codec.Encoding
	Compressed int64
	Written    int64
	Digest     string
	Duration   time.Duration
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// newSession opens path in create-or-append mode and stacks the buffered
// sink and decoder on top of it.
func newSession(id protocol.ID, path string, opts Options, log *logger.Logger) (*Session, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, opts.FilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload destination: %w", err)
	}

	s := &Session{
		id:        id,
		path:      path,
		encoding:  opts.Encoding,
		threshold: opts.Threshold,
		file:      file,
		sink:      bufio.NewWriterSize(file, sinkBufferSize),
		hasher:    blake3.New(),
		written:   &countingWriter{},
		started:   time.Now(),
		logger:    log.WithFields("uploadId", string(id), "path", path),
	}

	dec, err := codec.NewDecoder(opts.Encoding, io.MultiWriter(s.sink, s.hasher, s.written))
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	s.decoder = dec

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() protocol.ID { return s.id }

// Path returns the absolute destination path.
func (s *Session) Path() string { return s.path }

// Buffered returns the number of compressed bytes not yet decoded.
func (s *Session) Buffered() int { return len(s.buffer) }

// Threshold returns the flush threshold fixed at creation.
func (s *Session) Threshold() int { return s.threshold }

// Err returns the first decode or write failure, if any.
func (s *Session) Err() error { return s.err }

// Feed appends chunk to the buffer and flushes once the buffer has reached
// the threshold. The check happens after the append, so the buffer may
// exceed the threshold by at most one chunk. Chunks fed to a failed
// session are discarded and reported with ErrSessionFailed.
func (s *Session) Feed(chunk []byte) error {
	if s.err != nil {
		s.dropped += int64(len(chunk))
		return fmt.Errorf("%w: %d bytes discarded: %v", uerrors.ErrSessionFailed, len(chunk), s.err)
	}

	s.buffer = append(s.buffer, chunk...)
	s.fed += int64(len(chunk))

	if len(s.buffer) >= s.threshold {
		return s.Flush()
	}
	return nil
}

// Flush pushes the whole buffer through the decoder in a single write and
// empties it. On failure the buffered bytes are lost and the session is
// marked failed.
func (s *Session) Flush() error {
	if len(s.buffer) == 0 {
		return nil
	}

	start := time.Now()
	n := len(s.buffer)
	_, err := s.decoder.Write(s.buffer)
	s.buffer = s.buffer[:0]
	s.flushes++

	if err != nil {
		s.err = fmt.Errorf("decode %d buffered bytes: %w", n, err)
		return s.err
	}

	s.logger.Debug("buffer flushed to decoder",
		"bytes", n,
		"flush", s.flushes,
		"duration", time.Since(start))
	return nil
}

// finish performs the final flush, finalizes the decoder and closes the
// destination. The returned Result is valid even when err is non-nil.
func (s *Session) finish() (Result, error) {
	_ = s.Flush()
	s.buffer = nil

	if err := s.decoder.Close(); err != nil && s.err == nil {
		s.err = fmt.Errorf("finalize %s stream: %w", s.encoding, err)
	}
	if err := s.sink.Flush(); err != nil && s.err == nil {
		s.err = fmt.Errorf("flush destination: %w", err)
	}
	if err := s.file.Close(); err != nil && s.err == nil {
		s.err = fmt.Errorf("close destination: %w", err)
	}

	res := Result{
		ID:         s.id,
		Path:       s.path,
		Encoding:   s.encoding,
		Compressed: s.fed,
		Written:    s.written.n,
		Digest:     hex.EncodeToString(s.hasher.Sum(nil)),
		Duration:   time.Since(s.started),
	}
	return res, s.err
}

// abandon drops buffered input and stops the decoder without validating
// the stream. Output already produced by the decoder is kept on disk.
// It returns the number of compressed bytes discarded.
func (s *Session) abandon() int {
	discarded := len(s.buffer)
	s.buffer = nil

	s.decoder.Abort()
	if err := s.sink.Flush(); err != nil {
		s.logger.Warn("failed to flush abandoned upload", "error", err)
	}
	if err := s.file.Close(); err != nil {
		s.logger.Warn("failed to close abandoned upload", "error", err)
	}
	return discarded
}
