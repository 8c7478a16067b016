// Package card drives streaming card updates for one session at a time.
// A card is created and delivered once per run, switched into a composing
// state, fed accumulated text under a throttle, and finalized on the last
// chunk. Any stage failure falls back to plain text through the caller.
package card

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/astrolane/larkbridge/internal/agent"
	"github.com/astrolane/larkbridge/internal/cache"
	"github.com/astrolane/larkbridge/internal/channel"
)

const (
	stateTTL      = 24 * time.Hour
	stateCapacity = 5000
)

// Gateway is the platform card API consumed by the machine.
type Gateway interface {
	// Create instantiates a card from a template with initial text and
	// returns the card id.
	Create(ctx context.Context, templateID, initialText string) (string, error)
	// Deliver attaches the card to the conversation and returns the
	// resulting message id.
	Deliver(ctx context.Context, target, replyMessageID, cardID string) (string, error)
	// SetComposing switches the card into its typing indicator state.
	SetComposing(ctx context.Context, cardID string, sequence int) error
	// StreamText pushes accumulated text into the card's streaming
	// element. finalize marks the terminal content update.
	StreamText(ctx context.Context, cardID, elementID, text string, sequence int, finalize bool) error
	// Finish switches the card into its completed visual state.
	Finish(ctx context.Context, cardID, elementID, text string, sequence int) error
}

type sessionState struct {
	cardID     string
	messageID  string
	composing  bool
	text       string
	lastPushAt time.Time
	sequence   int
}

// Machine keys streaming state by session and enforces monotonic,
// idempotent stage transitions.
type Machine struct {
	logger     *slog.Logger
	gateway    Gateway
	states     *cache.Cache[*sessionState]
	templateID string
	elementID  string
	throttle   time.Duration
	now        func() time.Time
}

func NewMachine(log *slog.Logger, gateway Gateway, templateID, elementID string, throttle time.Duration) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		logger:     log.With(slog.String("component", "card")),
		gateway:    gateway,
		states:     cache.New[*sessionState](stateTTL, stateCapacity),
		templateID: strings.TrimSpace(templateID),
		elementID:  strings.TrimSpace(elementID),
		throttle:   throttle,
		now:        time.Now,
	}
}

// Usable reports whether card delivery is configured at all.
func (m *Machine) Usable() bool {
	return m != nil && m.gateway != nil && m.templateID != ""
}

// Stream feeds one chunk into the session's card. It returns whether the
// card currently carries a user-visible delivery. On error the returned
// fallback text is what the caller should deliver as plain text; the
// session's card state has already been discarded.
func (m *Machine) Stream(ctx context.Context, sessionKey string, dest channel.Destination, chunk agent.Chunk) (delivered bool, fallback string, err error) {
	if !m.Usable() {
		return false, chunk.Text, fmt.Errorf("card streaming not configured")
	}
	st, ok := m.states.Get(sessionKey)
	if !ok {
		st = &sessionState{}
	}
	st.text = mergeText(st.text, chunk.Text)
	final := chunk.Kind == agent.ChunkFinal

	if st.cardID == "" {
		if err := m.open(ctx, sessionKey, dest, st); err != nil {
			m.states.Delete(sessionKey)
			return false, st.text, err
		}
	}
	if !st.composing {
		if err := m.compose(ctx, sessionKey, st); err != nil {
			m.states.Delete(sessionKey)
			return false, st.text, err
		}
	}

	if !final && !st.lastPushAt.IsZero() && m.now().Sub(st.lastPushAt) < m.throttle {
		m.states.Set(sessionKey, st)
		return true, "", nil
	}

	st.sequence++
	if err := m.gateway.StreamText(ctx, st.cardID, m.elementID, st.text, st.sequence, final); err != nil {
		m.logger.Error("card stage failed",
			slog.String("stage", "streaming"),
			slog.String("session", sessionKey),
			slog.Any("error", err),
		)
		m.states.Delete(sessionKey)
		return false, st.text, fmt.Errorf("card streaming: %w", err)
	}
	st.lastPushAt = m.now()

	if final {
		st.sequence++
		if err := m.gateway.Finish(ctx, st.cardID, m.elementID, st.text, st.sequence); err != nil {
			// The terminal content already landed; only the visual
			// finished state is missing.
			m.logger.Warn("card stage failed",
				slog.String("stage", "finalize"),
				slog.String("session", sessionKey),
				slog.Any("error", err),
			)
		}
		m.states.Delete(sessionKey)
		return true, "", nil
	}

	m.states.Set(sessionKey, st)
	return true, "", nil
}

// Reset drops any streaming state held for the session.
func (m *Machine) Reset(sessionKey string) {
	if m == nil {
		return
	}
	m.states.Delete(sessionKey)
}

func (m *Machine) open(ctx context.Context, sessionKey string, dest channel.Destination, st *sessionState) error {
	cardID, err := m.gateway.Create(ctx, m.templateID, st.text)
	if err != nil {
		m.logger.Error("card stage failed",
			slog.String("stage", "create"),
			slog.String("session", sessionKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("card create: %w", err)
	}
	messageID, err := m.gateway.Deliver(ctx, dest.Target, dest.ReplyMessageID, cardID)
	if err != nil {
		m.logger.Error("card stage failed",
			slog.String("stage", "deliver"),
			slog.String("session", sessionKey),
			slog.String("card_id", cardID),
			slog.Any("error", err),
		)
		return fmt.Errorf("card deliver: %w", err)
	}
	st.cardID = cardID
	st.messageID = messageID
	return nil
}

func (m *Machine) compose(ctx context.Context, sessionKey string, st *sessionState) error {
	st.sequence++
	if err := m.gateway.SetComposing(ctx, st.cardID, st.sequence); err != nil {
		m.logger.Error("card stage failed",
			slog.String("stage", "inputing"),
			slog.String("session", sessionKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("card composing: %w", err)
	}
	st.composing = true
	return nil
}

// mergeText folds a new chunk into the accumulation. A chunk that is a
// prefix, suffix, or superstring of the accumulation replaces it, which
// deduplicates overlapping deltas; anything else is appended. Best effort:
// pathological repeated tokens can merge wrongly.
func mergeText(acc, chunk string) string {
	if chunk == "" {
		return acc
	}
	if acc == "" {
		return chunk
	}
	if strings.HasPrefix(acc, chunk) || strings.HasSuffix(acc, chunk) || strings.Contains(chunk, acc) {
		return chunk
	}
	return acc + chunk
}
