package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astrolane/larkbridge/internal/agent"
	"github.com/astrolane/larkbridge/internal/cache"
	"github.com/astrolane/larkbridge/internal/channel"
	"github.com/astrolane/larkbridge/internal/config"
	"github.com/astrolane/larkbridge/internal/delivery"
	"github.com/astrolane/larkbridge/internal/session"
	"github.com/astrolane/larkbridge/internal/transcript"
)

const (
	dedupCapacity  = 4096
	noticeTTL      = 10 * time.Minute
	noticeCapacity = 1024

	// maxAttachmentBytes bounds one staged inbound resource.
	maxAttachmentBytes = 20 << 20
)

// Pipeline wires filter, sequencer, agent runtime, and delivery router
// into the inbound message path. Handle returns immediately; the run
// executes on the session's queue.
type Pipeline struct {
	logger      *slog.Logger
	cfg         config.DispatchConfig
	agentID     string
	botID       string
	cardEnabled bool
	filter      *Filter
	dedup       *cache.Cache[struct{}]
	notices     *cache.Cache[struct{}]
	sequencer   *session.Sequencer
	runtime     agent.Runtime
	router      *delivery.Router
	sender      channel.Sender
	media       channel.AttachmentResolver
	mediaDir    string
	transcripts *transcript.Store
	now         func() time.Time
}

type PipelineParams struct {
	Logger      *slog.Logger
	Dispatch    config.DispatchConfig
	AgentID     string
	BotID       string
	CardEnabled bool
	Filter      *Filter
	Sequencer   *session.Sequencer
	Runtime     agent.Runtime
	Router      *delivery.Router
	Sender      channel.Sender
	Media       channel.AttachmentResolver
	MediaDir    string
	Transcripts *transcript.Store
}

func NewPipeline(p PipelineParams) *Pipeline {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	dedupTTL := time.Duration(p.Dispatch.DedupTTLSeconds) * time.Second
	if dedupTTL <= 0 {
		dedupTTL = time.Duration(config.DefaultDedupTTLSec) * time.Second
	}
	return &Pipeline{
		logger:      log.With(slog.String("component", "dispatch")),
		cfg:         p.Dispatch,
		agentID:     p.AgentID,
		botID:       p.BotID,
		cardEnabled: p.CardEnabled,
		filter:      p.Filter,
		dedup:       cache.New[struct{}](dedupTTL, dedupCapacity),
		notices:     cache.New[struct{}](noticeTTL, noticeCapacity),
		sequencer:   p.Sequencer,
		runtime:     p.Runtime,
		router:      p.Router,
		sender:      p.Sender,
		media:       p.Media,
		mediaDir:    p.MediaDir,
		transcripts: p.Transcripts,
		now:         time.Now,
	}
}

// Handle accepts one inbound message. It acknowledges by returning fast:
// the run itself is enqueued on the session's serial queue.
func (p *Pipeline) Handle(msg channel.InboundMessage) {
	if id := strings.TrimSpace(msg.MessageID); id != "" && p.dedup.Seen(id) {
		p.logger.Debug("duplicate event dropped", slog.String("message_id", id))
		return
	}

	policy := p.cfg.ResolvePolicy(msg.ChatID)
	dest := destinationFor(msg)

	verdict := p.filter.Check(msg, policy)
	if !verdict.Allowed {
		p.rejected(msg, dest, verdict)
		return
	}

	key := session.Key(p.botID, string(msg.ChatKind), msg.ChatID, msg.SenderID(), policy.PerSenderScope)
	p.logger.Info("message accepted",
		slog.String("session", key),
		slog.String("message_id", msg.MessageID),
		slog.String("chat_kind", string(msg.ChatKind)),
	)
	p.sequencer.Enqueue(key, func() {
		// Runs outlive the inbound request; shutdown drains them.
		p.runSession(context.WithoutCancel(context.Background()), key, msg, policy, dest)
	})
}

func (p *Pipeline) rejected(msg channel.InboundMessage, dest channel.Destination, verdict Verdict) {
	p.logger.Debug("message rejected",
		slog.String("reason", string(verdict.Reason)),
		slog.String("chat_id", msg.ChatID),
		slog.String("sender", msg.SenderID()),
	)
	if verdict.Reason != ReasonRateLimited || verdict.Notice == "" || !dest.HasTarget() {
		return
	}
	// One notice per sender per window, not one per rejected message.
	if p.notices.Seen("ratelimit:" + msg.SenderID()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.sender.SendText(ctx, dest, verdict.Notice); err != nil {
		p.logger.Warn("rate limit notice failed", slog.Any("error", err))
	}
}

func (p *Pipeline) runSession(ctx context.Context, key string, msg channel.InboundMessage, policy config.ResolvedPolicy, dest channel.Destination) {
	start := p.now()
	run := &delivery.RunState{}
	routePolicy := delivery.Policy{
		Card:           p.cardEnabled,
		Markdown:       policy.Markdown,
		StreamPartials: policy.StreamPartials,
	}

	if err := p.transcripts.Append(key, transcript.Entry{Role: "user", Text: msg.Text, At: start}); err != nil {
		p.logger.Warn("transcript append failed", slog.String("session", key), slog.Any("error", err))
	}

	req := agent.Request{
		SessionID: key,
		AgentID:   p.agentID,
		Text:      msg.Text,
		SenderID:  msg.SenderID(),
		Metadata: map[string]string{
			"chat_id":    msg.ChatID,
			"chat_kind":  string(msg.ChatKind),
			"message_id": msg.MessageID,
		},
	}
	for _, att := range msg.Attachments {
		if ref := p.stageAttachment(ctx, msg, att); ref != "" {
			req.Attachments = append(req.Attachments, ref)
		}
	}

	result, err := p.runtime.Dispatch(ctx, req, func(ctx context.Context, chunk agent.Chunk) error {
		before := run.Deliveries()
		routeErr := p.router.Deliver(ctx, key, dest, routePolicy, chunk, run)
		if chunk.Text != "" {
			entry := transcript.Entry{
				Role:     "assistant",
				Text:     chunk.Text,
				At:       p.now(),
				Mirrored: run.Deliveries() > before,
			}
			if aerr := p.transcripts.Append(key, entry); aerr != nil {
				p.logger.Warn("transcript append failed", slog.String("session", key), slog.Any("error", aerr))
			}
		}
		return routeErr
	})
	if err != nil {
		p.logger.Error("agent run failed",
			slog.String("session", key),
			slog.Any("error", err),
		)
	}

	p.silentRunFallback(ctx, key, dest, run, start, p.now())

	if err != nil && !run.Delivered() && dest.HasTarget() {
		notice := fmt.Sprintf("The assistant could not answer: %v", err)
		if serr := p.sender.SendText(ctx, dest, notice); serr == nil {
			run.Mark()
		}
	}

	p.logger.Info("run finished",
		slog.String("session", key),
		slog.Int("blocks", result.Blocks),
		slog.Int("finals", result.Finals),
		slog.Int("deliveries", run.Deliveries()),
	)
}

// stageAttachment turns one inbound attachment into a reference the
// agent can read. URLs and local paths pass through; platform-keyed
// resources are downloaded to the staging directory. A failed or
// oversized download degrades to the raw platform key.
func (p *Pipeline) stageAttachment(ctx context.Context, msg channel.InboundMessage, att channel.Attachment) string {
	if ref := strings.TrimSpace(att.URL); ref != "" {
		return ref
	}
	if ref := strings.TrimSpace(att.Path); ref != "" {
		return ref
	}
	key := strings.TrimSpace(att.PlatformKey)
	if key == "" || p.media == nil {
		return key
	}

	reader, name, err := p.media.ResolveAttachment(ctx, msg.MessageID, att)
	if err != nil {
		p.logger.Warn("attachment download failed",
			slog.String("message_id", msg.MessageID),
			slog.String("file_key", key),
			slog.Any("error", err),
		)
		return key
	}
	defer reader.Close()

	dir := p.mediaDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "larkbridge")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger.Warn("attachment staging dir unavailable", slog.Any("error", err))
		return key
	}
	path := filepath.Join(dir, sanitizeFileName(msg.MessageID+"_"+name))
	f, err := os.Create(path)
	if err != nil {
		p.logger.Warn("attachment staging failed", slog.Any("error", err))
		return key
	}
	n, err := io.Copy(f, io.LimitReader(reader, maxAttachmentBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil || n > maxAttachmentBytes {
		os.Remove(path)
		p.logger.Warn("attachment staging aborted",
			slog.String("file_key", key),
			slog.Int64("bytes", n),
			slog.Any("error", err),
		)
		return key
	}
	return path
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

// destinationFor picks the reply target: the chat for groups, the sender
// for direct conversations, always replying to the triggering message.
func destinationFor(msg channel.InboundMessage) channel.Destination {
	dest := channel.Destination{
		ReplyMessageID: msg.MessageID,
		ChatKind:       msg.ChatKind,
	}
	switch {
	case strings.TrimSpace(msg.ReplyTarget) != "":
		dest.Target = strings.TrimSpace(msg.ReplyTarget)
	case msg.ChatKind.IsGroup() || strings.TrimSpace(msg.ChatID) != "":
		dest.Target = "chat_id:" + strings.TrimSpace(msg.ChatID)
	case strings.TrimSpace(msg.SenderOpenID) != "":
		dest.Target = "open_id:" + strings.TrimSpace(msg.SenderOpenID)
	}
	return dest
}
