// Package delivery routes one reply chunk at a time to the chat platform:
// streaming card, plain or markdown text, and media uploads.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/astrolane/larkbridge/internal/agent"
	"github.com/astrolane/larkbridge/internal/card"
	"github.com/astrolane/larkbridge/internal/channel"
	"github.com/astrolane/larkbridge/internal/prune"
)

// Policy is the per-conversation delivery policy, resolved before the run.
type Policy struct {
	Card           bool
	Markdown       bool
	StreamPartials bool
}

// RunState counts user-visible deliveries across one agent run.
type RunState struct {
	deliveries int
}

func (s *RunState) mark() { s.deliveries++ }

// Delivered reports whether the run produced at least one visible message.
func (s *RunState) Delivered() bool { return s.deliveries > 0 }

// Deliveries returns the visible message count.
func (s *RunState) Deliveries() int { return s.deliveries }

// Mark records one delivery made outside the router.
func (s *RunState) Mark() { s.mark() }

// Router decides, per chunk, which delivery mode to use and performs it.
type Router struct {
	logger *slog.Logger
	sender channel.Sender
	cards  *card.Machine
	fetch  *http.Client
}

func NewRouter(log *slog.Logger, sender channel.Sender, cards *card.Machine) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		logger: log.With(slog.String("component", "delivery")),
		sender: sender,
		cards:  cards,
		fetch:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Deliver routes one chunk. Filter rejections and suppressed chunks are
// not errors; only transport failures that exhausted their retries are.
func (r *Router) Deliver(ctx context.Context, sessionKey string, dest channel.Destination, policy Policy, chunk agent.Chunk, run *RunState) error {
	if !dest.HasTarget() {
		return fmt.Errorf("delivery: no destination for session %s", sessionKey)
	}

	text := chunk.Text
	cardFailed := false
	if policy.Card && r.cards.Usable() {
		delivered, fallback, err := r.cards.Stream(ctx, sessionKey, dest, chunk)
		if err == nil {
			if delivered {
				run.mark()
			}
			return nil
		}
		r.logger.Warn("card mode failed, falling back to text",
			slog.String("session", sessionKey),
			slog.Any("error", err),
		)
		cardFailed = true
		text = fallback
	}

	// A failed card drops its accumulated state, so its fallback text is
	// delivered even for block chunks that verbosity would suppress.
	if chunk.Kind == agent.ChunkBlock && !policy.StreamPartials && !cardFailed {
		return nil
	}

	clean, images, followups := extractMediaTags(text)
	for _, ref := range chunk.MediaRefs {
		followups = append(followups, r.classifyRef(ref))
	}

	stripped := StripDirectives(clean)

	// A reply that is just the path of a produced file is sent as the
	// file itself, not as literal text.
	if len(images) == 0 && len(followups) == 0 && LooksLikePath(stripped) {
		att := classifySource(stripped, channel.AttachmentFile)
		if att.IsImage() {
			att.Type = channel.AttachmentImage
		}
		return r.sendAttachments(ctx, sessionKey, dest, []channel.Attachment{att}, chunk.Kind, run)
	}

	if stripped == "" && len(images) == 0 && len(followups) == 0 {
		return nil
	}

	body := r.inlineImages(ctx, sessionKey, stripped, images)
	var sendErr error
	if body != "" {
		sendErr = r.sendText(ctx, sessionKey, dest, policy, body, chunk.Kind, run)
	}
	if err := r.sendAttachments(ctx, sessionKey, dest, followups, chunk.Kind, run); err != nil && sendErr == nil {
		sendErr = err
	}
	return sendErr
}

// inlineImages uploads each extracted image and rewrites its placeholder
// to an inline markdown reference. Failed uploads drop the reference.
func (r *Router) inlineImages(ctx context.Context, sessionKey, body string, images []string) string {
	for i, src := range images {
		placeholder := imagePlaceholder(i)
		reader, name, err := openMediaSource(ctx, r.fetch, src)
		if err != nil {
			r.logger.Warn("inline image unavailable",
				slog.String("session", sessionKey),
				slog.String("src", src),
				slog.Any("error", err),
			)
			body = strings.ReplaceAll(body, placeholder, "")
			continue
		}
		key, err := r.sender.UploadImage(ctx, name, reader)
		reader.Close()
		if err != nil {
			r.logger.Warn("inline image upload failed",
				slog.String("session", sessionKey),
				slog.String("src", src),
				slog.Any("error", err),
			)
			body = strings.ReplaceAll(body, placeholder, "")
			continue
		}
		body = strings.ReplaceAll(body, placeholder, fmt.Sprintf("![image](%s)", key))
	}
	return strings.TrimSpace(body)
}

func (r *Router) sendText(ctx context.Context, sessionKey string, dest channel.Destination, policy Policy, body string, kind agent.ChunkKind, run *RunState) error {
	if prune.Exceeds(body, prune.MaxMessageBytes) {
		r.logger.Warn("reply clipped to message size limit",
			slog.String("session", sessionKey),
			slog.Int("bytes", len(body)),
		)
		body = prune.Clip(body, prune.MaxMessageBytes)
	}
	var err error
	if policy.Markdown {
		err = r.sender.SendMarkdown(ctx, dest, FormatMarkdown(body))
		if err != nil {
			r.logger.Warn("markdown send failed, retrying as plain text",
				slog.String("session", sessionKey),
				slog.Any("error", err),
			)
			err = r.sender.SendText(ctx, dest, body)
		}
	} else {
		err = r.sender.SendText(ctx, dest, body)
	}
	if err == nil {
		run.mark()
		return nil
	}
	r.logger.Error("text delivery failed",
		slog.String("session", sessionKey),
		slog.Any("error", err),
	)
	if kind == agent.ChunkFinal {
		r.notifyFailure(ctx, sessionKey, dest, run, err)
	}
	return fmt.Errorf("send text: %w", err)
}

func (r *Router) sendAttachments(ctx context.Context, sessionKey string, dest channel.Destination, atts []channel.Attachment, kind agent.ChunkKind, run *RunState) error {
	var firstErr error
	for _, att := range atts {
		if err := r.sender.SendAttachment(ctx, dest, att); err != nil {
			r.logger.Error("attachment delivery failed",
				slog.String("session", sessionKey),
				slog.String("type", string(att.Type)),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("send attachment: %w", err)
			}
			continue
		}
		run.mark()
	}
	if firstErr != nil && kind == agent.ChunkFinal && !run.Delivered() {
		r.notifyFailure(ctx, sessionKey, dest, run, firstErr)
	}
	return firstErr
}

// notifyFailure sends one best-effort notice so a failed final chunk does
// not silently swallow the user's answer. The notice counts as the run's
// delivery to keep the corrective path to a single message.
func (r *Router) notifyFailure(ctx context.Context, sessionKey string, dest channel.Destination, run *RunState, cause error) {
	notice := fmt.Sprintf("Reply delivery failed: %v", cause)
	if err := r.sender.SendText(ctx, dest, notice); err != nil {
		r.logger.Error("failure notice not delivered",
			slog.String("session", sessionKey),
			slog.Any("error", err),
		)
		return
	}
	run.mark()
}

func (r *Router) classifyRef(ref string) channel.Attachment {
	att := classifySource(strings.TrimSpace(ref), channel.AttachmentFile)
	if att.IsImage() {
		att.Type = channel.AttachmentImage
	}
	return att
}
