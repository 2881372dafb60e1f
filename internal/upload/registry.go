package upload

import (
	"fmt"

	"wsupload/internal/upload/codec"
	"wsupload/internal/upload/protocol"
	uerrors "wsupload/pkg/errors"
	"wsupload/pkg/logger"
)

// Registry maps upload identifiers to sessions for a single connection.
// It is owned by the connection's goroutine and takes no locks; only the
// PathGuard it shares with other registries is synchronized.
type Registry struct {
	dir      string
	opts     Options
	guard    *PathGuard
	sessions map[protocol.ID]*Session
	logger   *logger.Logger
}

// Open starts a session for id writing to fileName inside the upload
// directory. encoding may be empty to use the configured default.
//
// A second Open for an id that is still active is rejected with
// ErrSessionExists and leaves the active session untouched.
func (r *Registry) Open(id protocol.ID, fileName, encoding string) (*Session, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q must be 1-%d bytes", uerrors.ErrInvalidID, id, protocol.IDSize)
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %q", uerrors.ErrSessionExists, id)
	}

	enc, err := codec.ParseEncoding(encoding, r.opts.Encoding)
	if err != nil {
		return nil, err
	}

	dest, err := ResolveDestination(r.dir, fileName)
	if err != nil {
		return nil, err
	}

	if err := r.guard.Acquire(dest); err != nil {
		return nil, err
	}

	opts := r.opts
	opts.Encoding = enc

	s, err := newSession(id, dest, opts, r.logger)
	if err != nil {
		r.guard.Release(dest)
		return nil, err
	}

	r.sessions[id] = s
	r.logger.Debug("upload session opened",
		"uploadId", string(id),
		"path", dest,
		"encoding", enc.String(),
		"threshold", s.Threshold())

	return s, nil
}

// Feed appends chunk to the session for id. Chunks for unknown ids are
// discarded without creating anything; the boolean reports whether a
// session was found.
func (r *Registry) Feed(id protocol.ID, chunk []byte) (bool, error) {
	s, ok := r.sessions[id]
	if !ok {
		r.logger.Debug("discarding chunk for unknown upload", "uploadId", string(id), "bytes", len(chunk))
		return false, nil
	}
	return true, s.Feed(chunk)
}

// Close removes the session for id, flushes what remains buffered and
// finalizes its decoder. Closing an unknown id is a no-op and reports
// false.
func (r *Registry) Close(id protocol.ID) (Result, bool, error) {
	s, ok := r.sessions[id]
	if !ok {
		return Result{}, false, nil
	}
	delete(r.sessions, id)
	defer r.guard.Release(s.path)

	res, err := s.finish()
	return res, true, err
}

// Get returns the active session for id.
func (r *Registry) Get(id protocol.ID) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// AbandonAll discards every active session without finalizing it. It is
// used when the connection ends before the client sent End.
func (r *Registry) AbandonAll() int {
	abandoned := 0
	for id, s := range r.sessions {
		discarded := s.abandon()
		r.guard.Release(s.path)
		delete(r.sessions, id)
		abandoned++

		r.logger.Warn("abandoned unfinished upload",
			"uploadId", string(id),
			"path", s.path,
			"discardedBytes", discarded,
			"receivedBytes", s.fed,
			"failed", s.Err() != nil)
	}
	return abandoned
}
