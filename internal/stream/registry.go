package stream

import (
	"context"
	"sort"
	"sync"
)

// Registry tracks live sessions across transports. It enforces the optional
// session limit and lets shutdown cancel every session and wait for its
// goroutine to exit.
type Registry struct {
	limit int

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
	wg       sync.WaitGroup
}

type entry struct {
	sess   *Session
	cancel context.CancelFunc
}

// NewRegistry returns an empty registry. limit <= 0 means unbounded.
func NewRegistry(limit int) *Registry {
	return &Registry{limit: limit, sessions: make(map[string]*entry)}
}

// Start runs sess in a new goroutine. It returns [ErrTooManySessions] or
// [ErrRegistryClosed] without starting the session; the caller then still
// owns the session's sink.
func (r *Registry) Start(ctx context.Context, sess *Session) error {
	sctx, err := r.add(ctx, sess)
	if err != nil {
		return err
	}
	go r.run(sctx, sess)
	return nil
}

// Run runs sess on the calling goroutine and returns once it has ended. The
// errors are those of [Registry.Start].
func (r *Registry) Run(ctx context.Context, sess *Session) (CloseReason, error) {
	sctx, err := r.add(ctx, sess)
	if err != nil {
		return "", err
	}
	return r.run(sctx, sess), nil
}

func (r *Registry) add(ctx context.Context, sess *Session) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return nil, ErrTooManySessions
	}
	sctx, cancel := context.WithCancel(ctx)
	r.sessions[sess.ID()] = &entry{sess: sess, cancel: cancel}
	r.wg.Add(1)
	return sctx, nil
}

func (r *Registry) run(ctx context.Context, sess *Session) CloseReason {
	defer r.wg.Done()
	reason := sess.Run(ctx)

	r.mu.Lock()
	if e, ok := r.sessions[sess.ID()]; ok {
		e.cancel()
		delete(r.sessions, sess.ID())
	}
	r.mu.Unlock()
	return reason
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Full reports whether a new session would be rejected for the limit.
func (r *Registry) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit > 0 && len(r.sessions) >= r.limit
}

// Snapshot returns the live sessions ordered by start time.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.sess.Info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// CloseAll rejects new sessions, cancels every live one, and waits for their
// goroutines to exit or for ctx to end.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, e := range r.sessions {
		e.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
