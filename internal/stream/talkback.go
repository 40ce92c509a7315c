package stream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/repemul/repemul/pkg/audio"
)

// convertingPlayer adapts talkback audio from a client's format to the
// device's playback format before handing it on.
type convertingPlayer struct {
	next     Player
	from, to audio.Format
}

// newConvertingPlayer returns next unchanged when the formats already match.
func newConvertingPlayer(next Player, from, to audio.Format) Player {
	if from == to || !to.Valid() {
		return next
	}
	return &convertingPlayer{next: next, from: from, to: to}
}

// Play implements [Player].
func (p *convertingPlayer) Play(ctx context.Context, pcm []byte) error {
	out, err := audio.Convert(pcm, p.from, p.to)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	return p.next.Play(ctx, out)
}

// talkbackFormat reads the optional "rate" and "channels" query parameters
// a WebSocket client uses to announce its talkback format. Missing values
// fall back to def.
func talkbackFormat(q url.Values, def audio.Format) (audio.Format, error) {
	f := def
	if v := q.Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("stream: talkback rate %q: %w", v, err)
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("stream: talkback channels %q: %w", v, err)
		}
		f.Channels = n
	}
	if !f.Valid() {
		return f, fmt.Errorf("stream: talkback format %s not supported", f)
	}
	return f, nil
}
