package stream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/coder/websocket"
)

// ErrPeerGone is the cause reported by a [Sink] whose peer closed the
// connection without a more specific error.
var ErrPeerGone = errors.New("stream: peer disconnected")

// ErrTooManySessions is returned by [Registry] when the configured session
// limit is reached.
var ErrTooManySessions = errors.New("stream: session limit reached")

// ErrRegistryClosed is returned by [Registry] after [Registry.CloseAll].
var ErrRegistryClosed = errors.New("stream: registry closed")

// BindError reports that the listening socket could not be created. It is
// fatal to the process.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("stream: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// IsPeerDisconnect reports whether err means the remote end went away: EOF,
// connection reset or aborted, broken pipe, a closed connection, or a
// WebSocket close frame.
func IsPeerDisconnect(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrPeerGone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return websocket.CloseStatus(err) != -1
}
