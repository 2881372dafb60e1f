package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsupload/internal/upload"
	"wsupload/internal/upload/protocol"
	"wsupload/pkg/config"
	"wsupload/pkg/logger"
)

type fakeFrame struct {
	kind int
	data []byte
	err  error
}

type sentFrame struct {
	kind      int
	data      []byte
	afterRead int // number of ReadMessage calls completed when written
}

// fakeConn replays scripted inbound frames. Ping and pong frames are
// routed to the installed handlers the way gorilla does inside
// ReadMessage. Running out of frames reads as a normal close.
type fakeConn struct {
	inbound  []fakeFrame
	reads    int
	sent     []sentFrame
	controls []sentFrame
	writeErr error
	ping     func(string) error
	pong     func(string) error
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		if len(c.inbound) == 0 {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		f := c.inbound[0]
		c.inbound = c.inbound[1:]
		c.reads++

		if f.err != nil {
			return 0, nil, f.err
		}
		switch f.kind {
		case websocket.PingMessage:
			if err := c.ping(string(f.data)); err != nil {
				return 0, nil, err
			}
			continue
		case websocket.PongMessage:
			if err := c.pong(string(f.data)); err != nil {
				return 0, nil, err
			}
			continue
		}
		return f.kind, f.data, nil
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.sent = append(c.sent, sentFrame{kind: kind, data: append([]byte(nil), data...), afterRead: c.reads})
	return nil
}

func (c *fakeConn) WriteControl(kind int, data []byte, _ time.Time) error {
	c.controls = append(c.controls, sentFrame{kind: kind, data: append([]byte(nil), data...), afterRead: c.reads})
	return nil
}

func (c *fakeConn) SetPingHandler(h func(string) error) { c.ping = h }
func (c *fakeConn) SetPongHandler(h func(string) error) { c.pong = h }

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func text(s string) fakeFrame { return fakeFrame{kind: websocket.TextMessage, data: []byte(s)} }

func binary(id protocol.ID, payload []byte) fakeFrame {
	return fakeFrame{kind: websocket.BinaryMessage, data: protocol.EncodeData(id, payload)}
}

func quietLogger() *logger.Logger {
	return logger.NewWithConfig(logger.Config{Level: logger.ERROR, Output: io.Discard})
}

func newTestHandler(t *testing.T) (*Handler, *upload.Manager) {
	t.Helper()

	m, err := upload.NewManager(config.UploadConfig{
		Dir:       filepath.Join(t.TempDir(), "uploads"),
		Threshold: config.DefaultThreshold,
		Encoding:  "gzip",
	}, quietLogger())
	require.NoError(t, err)
	return NewHandler(m, quietLogger()), m
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHandler_EndToEndThirtyBytes(t *testing.T) {
	h, m := newTestHandler(t)

	original := []byte("thirty bytes of known content!")
	require.Len(t, original, 30)
	stream := gzipBytes(t, original)

	start := `{"type":"start","file_name":"x.bin","id":"abc"}`
	end := `{"type":"end","id":"abc"}`
	conn := &fakeConn{inbound: []fakeFrame{
		text(start),
		binary("abc", stream[:7]),
		binary("abc", stream[7:20]),
		binary("abc", stream[20:]),
		text(end),
		text("after end"),
	}}

	require.NoError(t, h.Serve(conn, "conn-1"))

	data, err := os.ReadFile(filepath.Join(m.Dir(), "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, original, data)

	require.Len(t, conn.sent, 3)
	assert.Equal(t, websocket.TextMessage, conn.sent[0].kind)
	assert.Equal(t, start, string(conn.sent[0].data))
	assert.Equal(t, end, string(conn.sent[1].data))
	// echoed before the next frame was read
	assert.Equal(t, 5, conn.sent[1].afterRead)
	assert.Equal(t, "after end", string(conn.sent[2].data))
}

func TestHandler_InterleavedUploads(t *testing.T) {
	h, m := newTestHandler(t)

	a := bytes.Repeat([]byte("alpha-"), 5000)
	b := bytes.Repeat([]byte("bravo!"), 7000)
	sa, sb := gzipBytes(t, a), gzipBytes(t, b)

	frames := []fakeFrame{
		text(`{"type":"start","file_name":"a.txt","id":"a"}`),
		text(`{"type":"start","file_name":"b.txt","id":"b"}`),
	}
	for off := 0; off < len(sa) || off < len(sb); off += 10 {
		if off < len(sa) {
			frames = append(frames, binary("a", sa[off:min(off+10, len(sa))]))
		}
		if off < len(sb) {
			frames = append(frames, binary("b", sb[off:min(off+10, len(sb))]))
		}
	}
	frames = append(frames, text(`{"type":"end","id":"b"}`), text(`{"type":"end","id":"a"}`))

	require.NoError(t, h.Serve(&fakeConn{inbound: frames}, "conn-2"))

	gotA, err := os.ReadFile(filepath.Join(m.Dir(), "a.txt"))
	require.NoError(t, err)
	gotB, err := os.ReadFile(filepath.Join(m.Dir(), "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, a, gotA)
	assert.Equal(t, b, gotB)
}

func TestHandler_UnknownTextEchoedWithoutStateChange(t *testing.T) {
	h, m := newTestHandler(t)

	inputs := []string{
		"hello",
		`{"type":"start","file_name":"x.bin"}`,
		`{"id":"abc"}`,
		`{"type":"end","id":"never-started"}`,
		`{"Type":"start","File_Name":"evil.bin","Id":"abc"}`,
		`{"type":"start","file_name":"dup.bin","id":"a","id":"b"}`,
		`{"TYPE":"end","ID":"abc"}`,
	}
	var frames []fakeFrame
	for _, in := range inputs {
		frames = append(frames, text(in))
	}
	conn := &fakeConn{inbound: frames}

	require.NoError(t, h.Serve(conn, "conn-3"))

	require.Len(t, conn.sent, len(inputs))
	for i, in := range inputs {
		assert.Equal(t, in, string(conn.sent[i].data))
	}

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandler_DataForUnknownIDDiscarded(t *testing.T) {
	h, m := newTestHandler(t)

	original := []byte("unaffected")
	stream := gzipBytes(t, original)
	conn := &fakeConn{inbound: []fakeFrame{
		text(`{"type":"start","file_name":"keep.bin","id":"keep"}`),
		binary("stranger", []byte("junk that is not gzip")),
		binary("keep", stream),
		text(`{"type":"end","id":"keep"}`),
	}}

	require.NoError(t, h.Serve(conn, "conn-4"))

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(m.Dir(), "keep.bin"))
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestHandler_ShortBinaryFrameAbortsConnection(t *testing.T) {
	h, m := newTestHandler(t)

	conn := &fakeConn{inbound: []fakeFrame{
		text(`{"type":"start","file_name":"open.bin","id":"open"}`),
		{kind: websocket.BinaryMessage, data: []byte("too short")},
		text(`{"type":"end","id":"open"}`),
	}}

	err := h.Serve(conn, "conn-5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrShortFrame))

	// the End after the violation is never processed or echoed
	require.Len(t, conn.sent, 1)
	assert.Equal(t, 0, m.Guard().Held())
}

func TestHandler_PingAnsweredWithPong(t *testing.T) {
	h, _ := newTestHandler(t)

	conn := &fakeConn{inbound: []fakeFrame{
		{kind: websocket.PingMessage, data: []byte("are you there")},
		{kind: websocket.PongMessage, data: []byte("ignored")},
	}}

	require.NoError(t, h.Serve(conn, "conn-6"))

	require.Len(t, conn.controls, 1)
	assert.Equal(t, websocket.PongMessage, conn.controls[0].kind)
	assert.Equal(t, "are you there", string(conn.controls[0].data))
	assert.Empty(t, conn.sent)
}

func TestHandler_RejectedStartKeepsConnection(t *testing.T) {
	h, m := newTestHandler(t)

	stream := gzipBytes(t, []byte("ok"))
	conn := &fakeConn{inbound: []fakeFrame{
		text(`{"type":"start","file_name":"../escape.bin","id":"bad"}`),
		text(`{"type":"start","file_name":"good.bin","id":"good"}`),
		text(`{"type":"start","file_name":"other.bin","id":"good"}`),
		binary("good", stream),
		text(`{"type":"end","id":"good"}`),
	}}

	require.NoError(t, h.Serve(conn, "conn-7"))

	assert.Len(t, conn.sent, 5)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(m.Dir()), "escape.bin"))
	assert.NoFileExists(t, filepath.Join(m.Dir(), "other.bin"))

	data, err := os.ReadFile(filepath.Join(m.Dir(), "good.bin"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestHandler_ReadErrorAbandonsSessions(t *testing.T) {
	h, m := newTestHandler(t)

	stream := gzipBytes(t, bytes.Repeat([]byte("partial "), 1000))
	conn := &fakeConn{inbound: []fakeFrame{
		text(`{"type":"start","file_name":"partial.bin","id":"p"}`),
		binary("p", stream[:len(stream)/2]),
		{err: io.ErrUnexpectedEOF},
	}}

	err := h.Serve(conn, "conn-8")
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, 0, m.Guard().Held())

	// nothing was flushed below the threshold, so nothing was decoded
	data, err := os.ReadFile(filepath.Join(m.Dir(), "partial.bin"))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestHandler_AbnormalClosureIsAnError(t *testing.T) {
	h, _ := newTestHandler(t)

	conn := &fakeConn{inbound: []fakeFrame{
		{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: io.ErrUnexpectedEOF.Error()}},
	}}

	assert.Error(t, h.Serve(conn, "conn-9"))
}

func TestHandler_GoingAwayIsGraceful(t *testing.T) {
	h, _ := newTestHandler(t)

	conn := &fakeConn{inbound: []fakeFrame{
		{err: &websocket.CloseError{Code: websocket.CloseGoingAway}},
		text("never read"),
	}}

	assert.NoError(t, h.Serve(conn, "conn-10"))
	assert.Empty(t, conn.sent)
}

func TestHandler_EchoFailureEndsLoop(t *testing.T) {
	h, _ := newTestHandler(t)

	conn := &fakeConn{
		inbound:  []fakeFrame{text("one"), text("two")},
		writeErr: errors.New("broken pipe"),
	}

	err := h.Serve(conn, "conn-11")
	require.Error(t, err)
	assert.Equal(t, 1, conn.reads)
}
