// Package client streams local data to an upload server over WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeebo/blake3"

	"wsupload/internal/upload/codec"
	"wsupload/internal/upload/protocol"
	uerrors "wsupload/pkg/errors"
)

const (
	DefaultChunkSize        = 32 * 1024
	DefaultHandshakeTimeout = 10 * time.Second
)

// UploadClient owns one WebSocket connection. Uploads on a client run one
// at a time; open several clients to upload in parallel.
type UploadClient struct {
	conn *websocket.Conn
	url  string
}

// UploadRequest describes a single upload.
type UploadRequest struct {
	ID        protocol.ID
	FileName  string
	Encoding  codec.Encoding
	ChunkSize int
}

// UploadResult summarizes a finished upload from the client's side. Digest
// is the hex blake3 of the uncompressed source and matches the digest the
// server logs for the decoded file.
type UploadResult struct {
	ID         protocol.ID
	FileName   string
	Size       int64
	Compressed int64
	Chunks     int
	Digest     string
	Duration   time.Duration
}

// NewUploadClient dials url (ws:// or wss://).
func NewUploadClient(ctx context.Context, url string) (*UploadClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	return &UploadClient{conn: conn, url: url}, nil
}

// Close sends a normal closure and closes the connection.
func (c *UploadClient) Close() error {
	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// Upload announces req, streams src compressed with req.Encoding and ends
// the upload. It returns once the server has echoed the End frame, which
// happens only after the destination file is finalized.
func (c *UploadClient) Upload(ctx context.Context, req UploadRequest, src io.Reader) (*UploadResult, error) {
	if !req.ID.Valid() {
		return nil, fmt.Errorf("%w: %q", uerrors.ErrInvalidID, req.ID)
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	// Cancelling ctx unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() {
		now := time.Now()
		_ = c.conn.SetReadDeadline(now)
		_ = c.conn.SetWriteDeadline(now)
	})
	defer stop()

	started := time.Now()

	start, err := protocol.NewStart(req.ID, req.FileName, req.Encoding.String())
	if err != nil {
		return nil, err
	}
	if err := c.control(ctx, start); err != nil {
		return nil, fmt.Errorf("start upload %s: %w", req.ID, err)
	}

	chunks := &chunkWriter{size: chunkSize, send: func(payload []byte) error {
		return c.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeData(req.ID, payload))
	}}

	enc, err := codec.NewEncoder(req.Encoding, chunks)
	if err != nil {
		return nil, err
	}

	hasher := blake3.New()
	size, err := io.Copy(enc, io.TeeReader(src, hasher))
	if err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("stream upload %s: %w", req.ID, err))
	}
	if err := enc.Close(); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("finish compressed stream: %w", err))
	}
	if err := chunks.Flush(); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("stream upload %s: %w", req.ID, err))
	}

	end, err := protocol.NewEnd(req.ID)
	if err != nil {
		return nil, err
	}
	if err := c.control(ctx, end); err != nil {
		return nil, fmt.Errorf("end upload %s: %w", req.ID, err)
	}

	return &UploadResult{
		ID:         req.ID,
		FileName:   req.FileName,
		Size:       size,
		Compressed: chunks.total,
		Chunks:     chunks.frames,
		Digest:     hex.EncodeToString(hasher.Sum(nil)),
		Duration:   time.Since(started),
	}, nil
}

// control sends a text frame and waits for its echo.
func (c *UploadClient) control(ctx context.Context, frame []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return c.ctxErr(ctx, err)
	}

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return c.ctxErr(ctx, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !bytes.Equal(data, frame) {
			return fmt.Errorf("%w: got %q", uerrors.ErrNotAcknowledged, data)
		}
		return nil
	}
}

func (c *UploadClient) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

// chunkWriter cuts a byte stream into payloads of exactly size bytes; the
// remainder goes out on Flush.
type chunkWriter struct {
	size   int
	buf    []byte
	send   func([]byte) error
	total  int64
	frames int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.size {
		if err := w.emit(w.buf[:w.size]); err != nil {
			return 0, err
		}
		w.buf = w.buf[w.size:]
	}
	return len(p), nil
}

func (w *chunkWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.emit(w.buf)
	w.buf = nil
	return err
}

func (w *chunkWriter) emit(payload []byte) error {
	if err := w.send(payload); err != nil {
		return err
	}
	w.total += int64(len(payload))
	w.frames++
	return nil
}
