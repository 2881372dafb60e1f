package codec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	uerrors "wsupload/pkg/errors"
)

// NewEncoder returns a compressing writer producing a stream that the
// matching Decoder accepts. Close must be called to write the trailer.
func NewEncoder(enc Encoding, w io.Writer) (io.WriteCloser, error) {
	switch enc {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zw, nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %s", uerrors.ErrUnsupportedEncoding, enc)
	}
}
