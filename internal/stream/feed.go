package stream

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/repemul/repemul/internal/observe"
	"github.com/repemul/repemul/pkg/nmea"
)

// FeedHandler serves the stream over WebSocket for browser dispatch
// consoles. Each upgraded request becomes a [Session] tracked in the shared
// [Registry]; the handler returns when the session ends.
//
// With talkback enabled, binary messages from the client are played on the
// shared device. A client may announce its talkback format with the "rate"
// and "channels" query parameters; it is converted to the device format.
type FeedHandler struct {
	cfg      Config
	feed     nmea.Feed
	src      Source
	sessions *Registry
	metrics  *observe.Metrics

	// OriginPatterns lists host patterns allowed to connect cross-origin.
	// Same-origin requests are always allowed.
	OriginPatterns []string
}

// NewFeedHandler creates a WebSocket feed handler.
func NewFeedHandler(cfg Config, feed nmea.Feed, src Source, sessions *Registry, metrics *observe.Metrics) *FeedHandler {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if sessions == nil {
		sessions = NewRegistry(0)
	}
	return &FeedHandler{
		cfg:      cfg.withDefaults(),
		feed:     feed,
		src:      src,
		sessions: sessions,
		metrics:  metrics,
	}
}

// ServeHTTP implements [http.Handler].
func (h *FeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var talkback Player
	if h.cfg.Talkback {
		talkback = h.src
		if h.cfg.DeviceFormat.Valid() {
			from, err := talkbackFormat(r.URL.Query(), h.cfg.DeviceFormat)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			talkback = newConvertingPlayer(h.src, from, h.cfg.DeviceFormat)
		}
	}

	if h.sessions.Full() {
		h.metrics.RecordRejected(r.Context(), "limit")
		http.Error(w, ErrTooManySessions.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sink := NewWSSink(conn, r.RemoteAddr, WSSinkOptions{
		WriteTimeout: h.cfg.WriteTimeout,
		Talkback:     talkback,
	})
	sess := NewSession(sink, h.feed, h.src, h.cfg.Interval, h.metrics)

	if _, err := h.sessions.Run(r.Context(), sess); err != nil {
		reason := "limit"
		status := websocket.StatusTryAgainLater
		if errors.Is(err, ErrRegistryClosed) {
			reason = "shutdown"
			status = websocket.StatusGoingAway
		}
		h.metrics.RecordRejected(r.Context(), reason)
		_ = conn.Close(status, err.Error())
		_ = sink.Close()
	}
}
