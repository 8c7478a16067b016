// Package dispatch accepts inbound messages, applies conversation policy,
// serializes runs per session, and forwards accepted messages to the
// agent runtime.
package dispatch

import (
	"slices"
	"strings"

	"github.com/astrolane/larkbridge/internal/channel"
	"github.com/astrolane/larkbridge/internal/config"
	"github.com/astrolane/larkbridge/internal/ratelimit"
)

// Reason is the rejection code an inbound message is dropped with.
type Reason string

const (
	ReasonSelfMessage     Reason = "self_message"
	ReasonBlockedSender   Reason = "blocked_by_allowlist"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonPrefixRequired  Reason = "prefix_required_not_met"
	ReasonMentionRequired Reason = "mention_required_not_met"
)

// Verdict is the filter outcome for one inbound message.
type Verdict struct {
	Allowed bool
	Reason  Reason
	// Notice is an optional one-shot reply for rate-limited senders.
	Notice string
}

func accept() Verdict         { return Verdict{Allowed: true} }
func reject(r Reason) Verdict { return Verdict{Reason: r} }

// Filter applies the per-conversation admission policy. Checks
// short-circuit on the first failure; the ordering is part of the
// contract: the prefix rule takes precedence over the mention rule
// whenever both could apply.
type Filter struct {
	selfID  string
	limiter *ratelimit.Limiter
}

func NewFilter(selfID string, limiter *ratelimit.Limiter) *Filter {
	return &Filter{selfID: strings.TrimSpace(selfID), limiter: limiter}
}

func (f *Filter) Check(msg channel.InboundMessage, policy config.ResolvedPolicy) Verdict {
	sender := msg.SenderID()

	if f.selfID != "" && sender == f.selfID {
		return reject(ReasonSelfMessage)
	}

	if len(policy.AllowSenders) > 0 && !containsID(policy.AllowSenders, sender) {
		return reject(ReasonBlockedSender)
	}

	if f.limiter != nil && !f.limiter.Allow(sender) {
		v := reject(ReasonRateLimited)
		v.Notice = strings.TrimSpace(policy.RateLimitNotice)
		return v
	}

	prefix := strings.TrimSpace(policy.RequirePrefix)
	if prefix != "" {
		if msg.ChatKind.IsGroup() || policy.PrefixAllChats {
			text := strings.ToLower(strings.TrimSpace(msg.Text))
			if !strings.HasPrefix(text, strings.ToLower(prefix)) {
				return reject(ReasonPrefixRequired)
			}
		}
		return accept()
	}

	if msg.ChatKind.IsGroup() && policy.RequireMention {
		if !msg.Mentioned && !containsID(policy.MentionBypass, sender) {
			return reject(ReasonMentionRequired)
		}
	}
	return accept()
}

func containsID(ids []string, id string) bool {
	if id == "" {
		return false
	}
	return slices.ContainsFunc(ids, func(s string) bool {
		return strings.TrimSpace(s) == id
	})
}
