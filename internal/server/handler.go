package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"wsupload/internal/upload"
	"wsupload/internal/upload/protocol"
	uerrors "wsupload/pkg/errors"
	"wsupload/pkg/logger"
)

const maxLoggedText = 256

// Conn is the subset of *websocket.Conn the read loop depends on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
}

// Handler drives the upload protocol on accepted connections. One Handler
// serves every connection; all per-connection state lives in Serve.
type Handler struct {
	manager      *upload.Manager
	writeTimeout time.Duration
	logger       *logger.Logger
}

// NewHandler returns a Handler creating sessions through manager.
func NewHandler(manager *upload.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager:      manager,
		writeTimeout: 5 * time.Second,
		logger:       log.WithField("component", "connection-handler"),
	}
}

// Serve runs the read loop for conn until the peer closes the connection,
// a read or write fails, or the peer violates the framing rules. Frames
// are processed strictly in arrival order. Sessions still open when Serve
// returns are abandoned, not finalized.
//
// A nil return means the peer closed the connection gracefully.
func (h *Handler) Serve(conn Conn, connID string) error {
	log := h.logger.WithFields("connId", connID, "remote", conn.RemoteAddr().String())
	registry := h.manager.NewRegistry(log)

	defer func() {
		if n := registry.AbandonAll(); n > 0 {
			log.Warn("connection ended with unfinished uploads", "abandoned", n)
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		log.Debug("received ping", "bytes", len(appData))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(h.writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(appData string) error {
		log.Debug("received pong", "bytes", len(appData))
		return nil
	})

	log.Info("websocket connection established")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
				log.Info("connection closing", "code", closeErr.Code, "reason", closeErr.Text)
				return nil
			}
			log.Error("failed to read websocket message", "error", err)
			return fmt.Errorf("read message: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			h.handleControl(registry, data, log)

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error("failed to echo text message", "error", err)
				return fmt.Errorf("echo text message: %w", err)
			}

		case websocket.BinaryMessage:
			if err := h.handleData(registry, data, log); err != nil {
				return err
			}
		}
	}
}

// handleControl applies a text frame to the registry. Failures are logged
// and never end the connection.
func (h *Handler) handleControl(registry *upload.Registry, data []byte, log *logger.Logger) {
	ctl := protocol.ParseControl(data)

	switch ctl.Kind {
	case protocol.ControlStart:
		start := ctl.Start
		s, err := registry.Open(start.ID, start.FileName, start.Encoding)
		if err != nil {
			if uerrors.IsRejection(err) {
				log.Warn("upload start rejected", "uploadId", string(start.ID), "fileName", start.FileName, "error", err)
			} else {
				log.Error("failed to open upload destination", "uploadId", string(start.ID), "fileName", start.FileName, "error", err)
			}
			return
		}
		log.Info("upload started", "uploadId", string(start.ID), "path", s.Path())

	case protocol.ControlEnd:
		id := ctl.End.ID
		res, found, err := registry.Close(id)
		if !found {
			log.Debug("end for unknown upload ignored", "uploadId", string(id))
			return
		}
		if err != nil {
			log.Error("upload finalized with errors", "uploadId", string(id), "path", res.Path, "bytes", res.Written, "error", err)
			return
		}
		log.Info("completed upload",
			"uploadId", string(id),
			"path", res.Path,
			"encoding", res.Encoding.String(),
			"compressedBytes", res.Compressed,
			"bytes", res.Written,
			"blake3", res.Digest,
			"duration", res.Duration)

	default:
		text := string(data)
		if len(text) > maxLoggedText {
			text = text[:maxLoggedText] + "..."
		}
		log.Info("unknown text message", "text", text)
	}
}

// handleData routes a binary frame to its session. Only a frame too short
// to carry an identifier is fatal to the connection.
func (h *Handler) handleData(registry *upload.Registry, data []byte, log *logger.Logger) error {
	frame, err := protocol.DecodeData(data)
	if err != nil {
		log.Error("binary message too short to contain upload id", "bytes", len(data))
		return err
	}

	if _, err := registry.Feed(frame.ID, frame.Payload); err != nil {
		if errors.Is(err, uerrors.ErrSessionFailed) {
			log.Debug("chunk for failed upload discarded", "uploadId", string(frame.ID), "bytes", len(frame.Payload))
			return nil
		}
		log.Error("failed to decode upload chunk", "uploadId", string(frame.ID), "error", err)
	}
	return nil
}
