package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSSinkOptions configures a [WSSink].
type WSSinkOptions struct {
	// WriteTimeout bounds every message write. Zero disables the deadline.
	WriteTimeout time.Duration

	// Talkback, when non-nil, receives the payload of binary messages sent
	// by the client. Text messages are ignored.
	Talkback Player
}

// WSSink carries the stream over a WebSocket: each sentence as one text
// message followed by each frame as one binary message.
type WSSink struct {
	conn   *websocket.Conn
	remote string
	opts   WSSinkOptions
	*doneSignal

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewWSSink wraps an accepted WebSocket connection. The sink owns conn.
func NewWSSink(conn *websocket.Conn, remote string, opts WSSinkOptions) *WSSink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WSSink{
		conn:       conn,
		remote:     remote,
		opts:       opts,
		doneSignal: newDoneSignal(),
		ctx:        ctx,
		cancel:     cancel,
	}
	if opts.Talkback != nil {
		go s.readLoop()
	} else {
		readCtx := conn.CloseRead(ctx)
		go func() {
			<-readCtx.Done()
			s.fire(ErrPeerGone)
		}()
	}
	return s
}

// Transport implements [Sink].
func (s *WSSink) Transport() string { return "websocket" }

// RemoteAddr implements [Sink].
func (s *WSSink) RemoteAddr() string { return s.remote }

// WriteSentence implements [Sink].
func (s *WSSink) WriteSentence(ctx context.Context, sentence string) error {
	return s.write(ctx, websocket.MessageText, []byte(sentence))
}

// WriteFrame implements [Sink].
func (s *WSSink) WriteFrame(ctx context.Context, pcm []byte) error {
	return s.write(ctx, websocket.MessageBinary, pcm)
}

func (s *WSSink) write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if s.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.WriteTimeout)
		defer cancel()
	}
	return s.conn.Write(ctx, typ, p)
}

func (s *WSSink) readLoop() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.fire(err)
			return
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			continue
		}
		if err := s.opts.Talkback.Play(s.ctx, data); err != nil && s.ctx.Err() == nil {
			slog.Warn("talkback playback failed", "remote", s.remote, "err", err)
		}
	}
}

// Close implements [Sink]. A live peer gets a normal closure; a peer that is
// already gone gets the connection torn down without a handshake.
func (s *WSSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		select {
		case <-s.Done():
			err = s.conn.CloseNow()
		default:
			err = s.conn.Close(websocket.StatusNormalClosure, "stream ended")
		}
		s.cancel()
		s.fire(ErrPeerGone)
	})
	if IsPeerDisconnect(err) {
		return nil
	}
	return err
}

var _ Sink = (*WSSink)(nil)
