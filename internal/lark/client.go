// Package lark is the platform adapter: inbound event extraction over
// websocket or webhook, outbound message sending, and the card API.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"

	"github.com/astrolane/larkbridge/internal/config"
)

const (
	regionLark = "lark"

	InboundModeWebsocket = "websocket"
	InboundModeWebhook   = "webhook"
)

// Adapter owns the SDK client and the bot's resolved identity.
type Adapter struct {
	logger *slog.Logger
	cfg    config.LarkConfig
	client *lark.Client

	mu        sync.Mutex
	botOpenID string
}

func NewAdapter(log *slog.Logger, cfg config.LarkConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "lark")),
		cfg:    cfg,
		client: lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(OpenBaseURL(cfg.Region))),
	}
}

// OpenBaseURL maps the configured region to the API endpoint.
func OpenBaseURL(region string) string {
	if strings.EqualFold(strings.TrimSpace(region), regionLark) {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}

// BotOpenID returns the bot's own open_id, used to filter self-messages
// and detect mentions. The configured value wins; otherwise the identity
// is fetched once and cached.
func (a *Adapter) BotOpenID(ctx context.Context) string {
	if id := strings.TrimSpace(a.cfg.BotOpenID); id != "" {
		return id
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.botOpenID != "" {
		return a.botOpenID
	}
	id, err := a.discoverSelf(ctx)
	if err != nil {
		a.logger.Warn("bot identity lookup failed", slog.Any("error", err))
		return ""
	}
	a.botOpenID = id
	return id
}

func (a *Adapter) discoverSelf(ctx context.Context) (string, error) {
	resp, err := a.client.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return "", fmt.Errorf("lark bot info: %w", err)
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID string `json:"open_id"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &body); err != nil {
		return "", fmt.Errorf("lark bot info: parse response: %w", err)
	}
	if body.Code != 0 {
		return "", fmt.Errorf("lark bot info: %s (code: %d)", body.Msg, body.Code)
	}
	openID := strings.TrimSpace(body.Bot.OpenID)
	if openID == "" {
		return "", fmt.Errorf("lark bot info: empty open_id")
	}
	return openID, nil
}
