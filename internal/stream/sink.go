package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Sink is one client connection as seen by a [Session]. Implementations
// decide how sentences and frames are put on the wire.
type Sink interface {
	// Transport names the wire transport, e.g. "tcp" or "websocket".
	Transport() string

	// RemoteAddr is the peer address for logs.
	RemoteAddr() string

	// WriteSentence sends one positioning sentence.
	WriteSentence(ctx context.Context, sentence string) error

	// WriteFrame sends one block of PCM.
	WriteFrame(ctx context.Context, pcm []byte) error

	// Done is closed once the peer has gone away or the sink was closed.
	Done() <-chan struct{}

	// Err returns why Done was closed, or nil while it is open.
	Err() error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Player accepts audio sent by a client for playback on the shared device.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// doneSignal is the Done/Err half of a Sink.
type doneSignal struct {
	once sync.Once
	ch   chan struct{}
	mu   sync.Mutex
	err  error
}

func newDoneSignal() *doneSignal {
	return &doneSignal{ch: make(chan struct{})}
}

func (d *doneSignal) fire(err error) {
	d.once.Do(func() {
		if err == nil {
			err = ErrPeerGone
		}
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		close(d.ch)
	})
}

func (d *doneSignal) Done() <-chan struct{} { return d.ch }

func (d *doneSignal) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// TCPSinkOptions configures a [TCPSink].
type TCPSinkOptions struct {
	// WriteTimeout bounds every write. Zero disables the deadline.
	WriteTimeout time.Duration

	// Talkback, when non-nil, receives client bytes in FrameBytes chunks.
	// When nil, client bytes are read and discarded.
	Talkback Player

	// FrameBytes is the talkback chunk size.
	FrameBytes int
}

// TCPSink writes the raw stream to a TCP connection: each sentence as its
// UTF-8 bytes immediately followed by each frame, with no framing.
//
// A background reader watches the connection so a disconnect is noticed
// even while the session is idle between iterations.
type TCPSink struct {
	conn net.Conn
	opts TCPSinkOptions
	*doneSignal

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewTCPSink wraps conn and starts its reader goroutine. The sink owns conn.
func NewTCPSink(conn net.Conn, opts TCPSinkOptions) *TCPSink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &TCPSink{
		conn:       conn,
		opts:       opts,
		doneSignal: newDoneSignal(),
		ctx:        ctx,
		cancel:     cancel,
	}
	go s.readLoop()
	return s
}

// Transport implements [Sink].
func (s *TCPSink) Transport() string { return "tcp" }

// RemoteAddr implements [Sink].
func (s *TCPSink) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// WriteSentence implements [Sink].
func (s *TCPSink) WriteSentence(_ context.Context, sentence string) error {
	return s.write([]byte(sentence))
}

// WriteFrame implements [Sink].
func (s *TCPSink) WriteFrame(_ context.Context, pcm []byte) error {
	return s.write(pcm)
}

func (s *TCPSink) write(p []byte) error {
	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(p)
	return err
}

func (s *TCPSink) readLoop() {
	var err error
	if s.opts.Talkback != nil && s.opts.FrameBytes > 0 {
		err = s.forwardTalkback()
	} else {
		_, err = io.Copy(io.Discard, s.conn)
	}
	if err == nil {
		err = io.EOF
	}
	s.fire(err)
}

// forwardTalkback reads whole frames from the client and plays them. A
// trailing partial frame is dropped.
func (s *TCPSink) forwardTalkback() error {
	buf := make([]byte, s.opts.FrameBytes)
	for {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			return err
		}
		pcm := make([]byte, len(buf))
		copy(pcm, buf)
		if err := s.opts.Talkback.Play(s.ctx, pcm); err != nil {
			if s.ctx.Err() != nil {
				return net.ErrClosed
			}
			slog.Warn("talkback playback failed", "remote", s.RemoteAddr(), "err", err)
		}
	}
}

// Close implements [Sink].
func (s *TCPSink) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.conn.Close()
		s.fire(net.ErrClosed)
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

var _ Sink = (*TCPSink)(nil)
