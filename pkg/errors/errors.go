package errors

import "errors"

var (
	// ErrSessionExists is returned when a Start names an identifier that
	// already has an active session on the same connection.
	ErrSessionExists = errors.New("upload session already active for id")

	// ErrInvalidID indicates an identifier that cannot be addressed by data
	// frames (empty or longer than the 16-byte wire field).
	ErrInvalidID = errors.New("invalid upload id")

	// ErrInvalidPath indicates a client supplied file name that would escape
	// the upload directory or is otherwise unusable.
	ErrInvalidPath = errors.New("invalid upload file name")

	// ErrPathInUse indicates the destination is already being written by
	// another session, on this or any other connection.
	ErrPathInUse = errors.New("upload destination already in use")

	// ErrUnsupportedEncoding indicates a Start requested an unknown codec.
	ErrUnsupportedEncoding = errors.New("unsupported upload encoding")

	// ErrSessionFailed marks a session whose decoder already failed.
	ErrSessionFailed = errors.New("upload session failed")

	// ErrNotAcknowledged is returned by the client when the server replies
	// to a control frame with anything but its echo.
	ErrNotAcknowledged = errors.New("control frame not acknowledged by server")
)

// IsRejection reports whether err is a per-Start rejection that leaves the
// connection usable.
func IsRejection(err error) bool {
	return errors.Is(err, ErrSessionExists) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrPathInUse) ||
		errors.Is(err, ErrUnsupportedEncoding)
}
