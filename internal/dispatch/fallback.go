package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/astrolane/larkbridge/internal/channel"
	"github.com/astrolane/larkbridge/internal/delivery"
	"github.com/astrolane/larkbridge/internal/transcript"
)

const (
	// fallbackSlack widens the transcript scan window beyond the run's
	// own start and end timestamps.
	fallbackSlack   = 30 * time.Second
	fallbackTailLen = 50
)

// silentRunFallback fires after a run that produced zero visible
// deliveries: it recovers the newest assistant transcript entry from the
// run's time window and sends it as one corrective plain-text message.
// Entries flagged as mirrors of delivered content are preferred. Runs at
// most once per run by construction.
func (p *Pipeline) silentRunFallback(ctx context.Context, key string, dest channel.Destination, run *delivery.RunState, start, end time.Time) {
	if run.Delivered() || !dest.HasTarget() {
		return
	}
	entries, err := p.transcripts.Tail(key, fallbackTailLen)
	if err != nil {
		p.logger.Warn("silent run fallback: transcript read failed",
			slog.String("session", key),
			slog.Any("error", err),
		)
		return
	}

	text := pickFallbackText(entries, start.Add(-fallbackSlack), end.Add(fallbackSlack))
	if text == "" {
		p.logger.Debug("silent run, no recoverable text", slog.String("session", key))
		return
	}

	p.logger.Info("silent run fallback firing", slog.String("session", key))
	if err := p.sender.SendText(ctx, dest, text); err != nil {
		p.logger.Error("silent run fallback send failed",
			slog.String("session", key),
			slog.Any("error", err),
		)
		return
	}
	run.Mark()
}

// pickFallbackText scans entries newest-first for an assistant message
// inside the window, preferring mirror-flagged entries, and rejects
// candidates with no user-visible payload.
func pickFallbackText(entries []transcript.Entry, from, to time.Time) string {
	pick := func(mirroredOnly bool) string {
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.Role != "assistant" {
				continue
			}
			if mirroredOnly && !e.Mirrored {
				continue
			}
			if e.At.Before(from) || e.At.After(to) {
				continue
			}
			text := delivery.StripDirectives(e.Text)
			if text == "" || delivery.LooksLikePath(text) {
				continue
			}
			return text
		}
		return ""
	}
	if text := pick(true); text != "" {
		return text
	}
	return pick(false)
}
