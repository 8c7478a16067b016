// Package config loads the larkbridge TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath      = "larkbridge.toml"
	DefaultHTTPAddr        = ":8090"
	DefaultRegion          = "feishu"
	DefaultInboundMode     = "websocket"
	DefaultAgentBaseURL    = "http://127.0.0.1:8081"
	DefaultAgentTimeoutSec = 300
	DefaultCardElementID   = "markdown_1"
	DefaultCardThrottleMs  = 700
	DefaultRateWindowMs    = 60_000
	DefaultRateMax         = 10
	DefaultDedupTTLSec     = 120
	DefaultTranscriptDir   = "data/transcripts"
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Lark       LarkConfig       `toml:"lark"`
	Agent      AgentConfig      `toml:"agent"`
	Card       CardConfig       `toml:"card"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Transcript TranscriptConfig `toml:"transcript"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// LarkConfig holds the Lark app credentials and connection settings.
type LarkConfig struct {
	AppID             string `toml:"app_id"`
	AppSecret         string `toml:"app_secret"`
	EncryptKey        string `toml:"encrypt_key"`
	VerificationToken string `toml:"verification_token"`
	Region            string `toml:"region"`       // feishu | lark
	InboundMode       string `toml:"inbound_mode"` // websocket | webhook
	BotOpenID         string `toml:"bot_open_id"`
}

// AgentConfig points at the agent gateway that executes runs.
type AgentConfig struct {
	BaseURL        string `toml:"base_url"`
	AgentID        string `toml:"agent_id"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Token          string `toml:"token"`
}

// CardConfig controls the streaming-card delivery mode.
type CardConfig struct {
	Enabled    bool   `toml:"enabled"`
	TemplateID string `toml:"template_id"`
	ElementID  string `toml:"element_id"`
	ThrottleMs int    `toml:"throttle_ms"`
}

// ChatPolicy is one per-chat override layer of dispatch policy.
// Pointer and empty values mean "inherit from the account defaults".
type ChatPolicy struct {
	ChatID          string   `toml:"chat_id"`
	AllowSenders    []string `toml:"allow_senders"`
	RequireMention  *bool    `toml:"require_mention"`
	RequirePrefix   string   `toml:"require_prefix"`
	PrefixAllChats  *bool    `toml:"prefix_all_chats"`
	MentionBypass   []string `toml:"mention_bypass"`
	Markdown        *bool    `toml:"markdown"`
	StreamPartials  *bool    `toml:"stream_partials"`
	PerSenderScope  *bool    `toml:"per_sender_scope"`
	RateLimitNotice string   `toml:"rate_limit_notice"`
}

// DispatchConfig holds account-level dispatch policy plus per-chat overrides.
type DispatchConfig struct {
	AllowSenders    []string     `toml:"allow_senders"`
	RequireMention  bool         `toml:"require_mention"`
	RequirePrefix   string       `toml:"require_prefix"`
	PrefixAllChats  bool         `toml:"prefix_all_chats"`
	MentionBypass   []string     `toml:"mention_bypass"`
	Markdown        bool         `toml:"markdown"`
	StreamPartials  bool         `toml:"stream_partials"`
	PerSenderScope  bool         `toml:"per_sender_scope"`
	RateLimitNotice string       `toml:"rate_limit_notice"`
	RateWindowMs    int          `toml:"rate_window_ms"`
	RateMax         int          `toml:"rate_max"`
	RateBurst       int          `toml:"rate_burst"`
	DedupTTLSeconds int          `toml:"dedup_ttl_seconds"`
	Chats           []ChatPolicy `toml:"chats"`
}

type TranscriptConfig struct {
	Dir string `toml:"dir"`
}

// ResolvedPolicy is the immutable per-conversation policy after layering:
// per-chat override wins over account defaults, which win over built-ins.
type ResolvedPolicy struct {
	AllowSenders    []string
	RequireMention  bool
	RequirePrefix   string
	PrefixAllChats  bool
	MentionBypass   []string
	Markdown        bool
	StreamPartials  bool
	PerSenderScope  bool
	RateLimitNotice string
}

// ResolvePolicy layers the per-chat override for chatID onto the account
// defaults and returns one resolved struct.
func (d DispatchConfig) ResolvePolicy(chatID string) ResolvedPolicy {
	out := ResolvedPolicy{
		AllowSenders:    d.AllowSenders,
		RequireMention:  d.RequireMention,
		RequirePrefix:   strings.TrimSpace(d.RequirePrefix),
		PrefixAllChats:  d.PrefixAllChats,
		MentionBypass:   d.MentionBypass,
		Markdown:        d.Markdown,
		StreamPartials:  d.StreamPartials,
		PerSenderScope:  d.PerSenderScope,
		RateLimitNotice: d.RateLimitNotice,
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return out
	}
	for _, chat := range d.Chats {
		if strings.TrimSpace(chat.ChatID) != chatID {
			continue
		}
		if len(chat.AllowSenders) > 0 {
			out.AllowSenders = chat.AllowSenders
		}
		if chat.RequireMention != nil {
			out.RequireMention = *chat.RequireMention
		}
		if strings.TrimSpace(chat.RequirePrefix) != "" {
			out.RequirePrefix = strings.TrimSpace(chat.RequirePrefix)
		}
		if chat.PrefixAllChats != nil {
			out.PrefixAllChats = *chat.PrefixAllChats
		}
		if len(chat.MentionBypass) > 0 {
			out.MentionBypass = chat.MentionBypass
		}
		if chat.Markdown != nil {
			out.Markdown = *chat.Markdown
		}
		if chat.StreamPartials != nil {
			out.StreamPartials = *chat.StreamPartials
		}
		if chat.PerSenderScope != nil {
			out.PerSenderScope = *chat.PerSenderScope
		}
		if strings.TrimSpace(chat.RateLimitNotice) != "" {
			out.RateLimitNotice = chat.RateLimitNotice
		}
		break
	}
	return out
}

// Validate checks the fields the process cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Lark.AppID) == "" || strings.TrimSpace(c.Lark.AppSecret) == "" {
		return fmt.Errorf("lark app_id and app_secret are required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Lark.Region)) {
	case "", "feishu", "lark":
	default:
		return fmt.Errorf("lark region must be feishu or lark")
	}
	switch strings.ToLower(strings.TrimSpace(c.Lark.InboundMode)) {
	case "", "websocket", "webhook":
	default:
		return fmt.Errorf("lark inbound_mode must be websocket or webhook")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Lark: LarkConfig{
			Region:      DefaultRegion,
			InboundMode: DefaultInboundMode,
		},
		Agent: AgentConfig{
			BaseURL:        DefaultAgentBaseURL,
			TimeoutSeconds: DefaultAgentTimeoutSec,
		},
		Card: CardConfig{
			ElementID:  DefaultCardElementID,
			ThrottleMs: DefaultCardThrottleMs,
		},
		Dispatch: DispatchConfig{
			RequireMention:  true,
			Markdown:        true,
			RateWindowMs:    DefaultRateWindowMs,
			RateMax:         DefaultRateMax,
			DedupTTLSeconds: DefaultDedupTTLSec,
		},
		Transcript: TranscriptConfig{
			Dir: DefaultTranscriptDir,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
