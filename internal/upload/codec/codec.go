// Package codec adapts pull-based stream decompressors to the push model
// used by upload sessions: compressed bytes are written in as they arrive
// and decoded output is written to a sink.
package codec

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	uerrors "wsupload/pkg/errors"
)

// Encoding identifies the compressed-stream format of an upload.
type Encoding uint8

const (
	// Gzip is RFC 1952, one or more members. It is the protocol default.
	Gzip Encoding = iota
	// Zstd is a zstandard frame stream.
	Zstd
	// LZ4 is the LZ4 frame format.
	LZ4
)

// String returns the wire name of an encoding.
func (e Encoding) String() string {
	switch e {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

// ParseEncoding parses a wire name. The empty string selects fallback.
func ParseEncoding(name string, fallback Encoding) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return fallback, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return 0, fmt.Errorf("%w: %q", uerrors.ErrUnsupportedEncoding, name)
	}
}

// Decoder consumes compressed bytes incrementally. Output becomes visible
// in the sink as the underlying decompressor produces it, which need not
// line up with Write boundaries.
type Decoder interface {
	io.Writer
	// Close signals end of input, waits for all output to reach the sink
	// and reports any decode error, including a missing or corrupt trailer.
	Close() error
	// Abort discards pending input and stops decoding without validation.
	Abort()
}

var errAborted = errors.New("decoder aborted")

// NewDecoder returns a Decoder of the given encoding writing to sink.
func NewDecoder(enc Encoding, sink io.Writer) (Decoder, error) {
	var run func(r io.Reader, w io.Writer) error

	switch enc {
	case Gzip:
		run = runGzip
	case Zstd:
		run = runZstd
	case LZ4:
		run = runLZ4
	default:
		return nil, fmt.Errorf("%w: %s", uerrors.ErrUnsupportedEncoding, enc)
	}

	return newPipeDecoder(sink, run), nil
}

func runGzip(r io.Reader, w io.Writer) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("gzip: empty stream: %w", io.ErrUnexpectedEOF)
		}
		return fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	if _, err := io.Copy(w, zr); err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	return nil
}

func runZstd(r io.Reader, w io.Writer) error {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	defer zr.Close()

	if _, err := io.Copy(w, zr); err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	return nil
}

func runLZ4(r io.Reader, w io.Writer) error {
	zr := lz4.NewReader(r)
	if _, err := io.Copy(w, zr); err != nil {
		return fmt.Errorf("lz4: %w", err)
	}
	return nil
}

// pipeDecoder runs a pull decoder on its own goroutine behind an io.Pipe.
// A Write returns once the decoder has taken all of p, so a flush is
// complete from the caller's point of view before the next frame is read.
type pipeDecoder struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error // set before done is closed
}

func newPipeDecoder(sink io.Writer, run func(r io.Reader, w io.Writer) error) *pipeDecoder {
	pr, pw := io.Pipe()
	d := &pipeDecoder{
		pw:   pw,
		done: make(chan struct{}),
	}

	go func() {
		defer close(d.done)
		err := run(pr, sink)
		if err != nil {
			// unblock a writer waiting on a decoder that gave up
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}
		d.err = err
	}()

	return d
}

func (d *pipeDecoder) Write(p []byte) (int, error) {
	n, err := d.pw.Write(p)
	if err == io.ErrClosedPipe {
		err = errors.New("data after end of compressed stream")
	}
	return n, err
}

func (d *pipeDecoder) Close() error {
	d.pw.Close()
	<-d.done
	if errors.Is(d.err, errAborted) {
		return nil
	}
	return d.err
}

func (d *pipeDecoder) Abort() {
	d.pw.CloseWithError(errAborted)
	<-d.done
}
