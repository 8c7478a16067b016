package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/astrolane/larkbridge/internal/token"
)

// Cardkit API paths. These calls go over plain HTTP with an explicit
// bearer token instead of the SDK client, so the token manager owns the
// credential lifecycle for the whole card surface.
const (
	cardCreatePath     = "/open-apis/cardkit/v1/cards"
	cardSettingsPath   = "/open-apis/cardkit/v1/cards/%s/settings"
	cardElementPath    = "/open-apis/cardkit/v1/cards/%s/elements/%s/content"
	messageCreatePath  = "/open-apis/im/v1/messages"
	messageReplyPath   = "/open-apis/im/v1/messages/%s/reply"
	inlineCardTemplate = "inline"
)

// Token error codes that mean the cached credential is stale.
var staleTokenCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991677: true,
}

// CardGateway drives the streaming-card API.
type CardGateway struct {
	logger    *slog.Logger
	baseURL   string
	elementID string
	tokens    *token.Manager
	client    *http.Client
}

func NewCardGateway(log *slog.Logger, baseURL, elementID string, tokens *token.Manager) *CardGateway {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(elementID) == "" {
		elementID = "markdown_1"
	}
	return &CardGateway{
		logger:    log.With(slog.String("component", "cardkit")),
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		elementID: strings.TrimSpace(elementID),
		tokens:    tokens,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Create instantiates a card entity and returns its id. A configured
// template id renders the platform template with the text as a variable;
// the "inline" marker builds a one-element markdown card locally.
func (g *CardGateway) Create(ctx context.Context, templateID, initialText string) (string, error) {
	var body map[string]any
	if templateID != "" && templateID != inlineCardTemplate {
		tpl, err := json.Marshal(map[string]any{
			"template_id":       templateID,
			"template_variable": map[string]string{"content": initialText},
		})
		if err != nil {
			return "", err
		}
		body = map[string]any{"type": "template", "data": string(tpl)}
	} else {
		cardJSON, err := buildStreamingCardJSON(g.elementID, initialText)
		if err != nil {
			return "", err
		}
		body = map[string]any{"type": "card_json", "data": cardJSON}
	}
	data, err := g.do(ctx, http.MethodPost, cardCreatePath, body)
	if err != nil {
		return "", fmt.Errorf("card create: %w", err)
	}
	var out struct {
		CardID string `json:"card_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("card create: parse response: %w", err)
	}
	if strings.TrimSpace(out.CardID) == "" {
		return "", fmt.Errorf("card create: empty card id")
	}
	return strings.TrimSpace(out.CardID), nil
}

// Deliver sends the card entity into the conversation and returns the
// message id.
func (g *CardGateway) Deliver(ctx context.Context, target, replyMessageID, cardID string) (string, error) {
	content, err := json.Marshal(map[string]any{
		"type": "card",
		"data": map[string]string{"card_id": cardID},
	})
	if err != nil {
		return "", err
	}

	var path string
	body := map[string]any{
		"msg_type": "interactive",
		"content":  string(content),
		"uuid":     uuid.NewString(),
	}
	if strings.TrimSpace(replyMessageID) != "" {
		path = fmt.Sprintf(messageReplyPath, strings.TrimSpace(replyMessageID))
	} else {
		receiveID, receiveType, err := resolveReceiveID(target)
		if err != nil {
			return "", err
		}
		path = messageCreatePath + "?receive_id_type=" + url.QueryEscape(receiveType)
		body["receive_id"] = receiveID
	}

	data, err := g.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", fmt.Errorf("card deliver: %w", err)
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("card deliver: parse response: %w", err)
	}
	return strings.TrimSpace(out.MessageID), nil
}

// SetComposing switches the card into streaming mode, which shows the
// typing indicator until the terminal update lands.
func (g *CardGateway) SetComposing(ctx context.Context, cardID string, sequence int) error {
	return g.patchSettings(ctx, cardID, sequence, true)
}

// StreamText replaces the streaming element's content.
func (g *CardGateway) StreamText(ctx context.Context, cardID, elementID, text string, sequence int, finalize bool) error {
	path := fmt.Sprintf(cardElementPath, cardID, elementID)
	body := map[string]any{
		"content":  text,
		"sequence": sequence,
		"uuid":     uuid.NewString(),
	}
	if _, err := g.do(ctx, http.MethodPut, path, body); err != nil {
		return fmt.Errorf("card stream content: %w", err)
	}
	if finalize {
		g.logger.Debug("card terminal content pushed", slog.String("card_id", cardID), slog.Int("sequence", sequence))
	}
	return nil
}

// Finish leaves streaming mode so the card renders as completed.
func (g *CardGateway) Finish(ctx context.Context, cardID, elementID, text string, sequence int) error {
	return g.patchSettings(ctx, cardID, sequence, false)
}

func (g *CardGateway) patchSettings(ctx context.Context, cardID string, sequence int, streaming bool) error {
	settings, err := json.Marshal(map[string]any{
		"config": map[string]any{"streaming_mode": streaming},
	})
	if err != nil {
		return err
	}
	path := fmt.Sprintf(cardSettingsPath, cardID)
	body := map[string]any{
		"settings": string(settings),
		"sequence": sequence,
		"uuid":     uuid.NewString(),
	}
	if _, err := g.do(ctx, http.MethodPatch, path, body); err != nil {
		return fmt.Errorf("card settings: %w", err)
	}
	return nil
}

// do performs one authenticated API call. A response that reports a
// stale token invalidates the cache and retries once with a fresh one.
func (g *CardGateway) do(ctx context.Context, method, path string, body map[string]any) (json.RawMessage, error) {
	data, code, err := g.doOnce(ctx, method, path, body)
	if err != nil && staleTokenCodes[code] {
		g.tokens.Invalidate()
		data, _, err = g.doOnce(ctx, method, path, body)
	}
	return data, err
}

func (g *CardGateway) doOnce(ctx context.Context, method, path string, body map[string]any) (json.RawMessage, int, error) {
	credential, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, 0, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, 0, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if envelope.Code != 0 {
		return nil, envelope.Code, fmt.Errorf("%s (code: %d)", envelope.Msg, envelope.Code)
	}
	return envelope.Data, 0, nil
}

// buildStreamingCardJSON is the inline card body: one markdown element
// the content stream targets.
func buildStreamingCardJSON(elementID, initialText string) (string, error) {
	card := map[string]any{
		"schema": "2.0",
		"config": map[string]any{
			"streaming_mode": false,
			"update_multi":   true,
		},
		"body": map[string]any{
			"elements": []map[string]any{
				{
					"tag":        "markdown",
					"element_id": elementID,
					"content":    initialText,
				},
			},
		},
	}
	data, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
