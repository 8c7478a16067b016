package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

const webhookMaxBodyBytes int64 = 1 << 20

// WebhookHandler receives event-subscription callbacks when the inbound
// mode is webhook: URL verification challenges, AES-encrypted events,
// and plain events with verification tokens.
type WebhookHandler struct {
	logger  *slog.Logger
	adapter *Adapter
	handler InboundHandler
}

func NewWebhookHandler(log *slog.Logger, adapter *Adapter, handler InboundHandler) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:  log.With(slog.String("handler", "lark_webhook")),
		adapter: adapter,
		handler: handler,
	}
}

// Register mounts the callback routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhook/lark", h.HandleProbe)
	e.POST("/webhook/lark", h.Handle)
}

// HandleProbe answers health probes on the webhook URL.
func (h *WebhookHandler) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Handle processes one callback request: the challenge handshake and
// decryption run inside the SDK dispatcher; accepted messages are handed
// off asynchronously so the platform gets its 200 within the deadline.
func (h *WebhookHandler) Handle(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	if err := h.validateAuth(payload); err != nil {
		return err
	}

	botOpenID := h.adapter.BotOpenID(context.WithoutCancel(c.Request().Context()))

	d := dispatcher.NewEventDispatcher(h.adapter.cfg.VerificationToken, h.adapter.cfg.EncryptKey)
	d.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
		msg := extractInbound(event, botOpenID)
		if msg.Text == "" && len(msg.Attachments) == 0 {
			return nil
		}
		go h.handler(msg)
		return nil
	})

	resp := d.Handle(c.Request().Context(), &larkevent.EventReq{
		Header:     c.Request().Header,
		Body:       payload,
		RequestURI: c.Request().RequestURI,
	})
	if resp == nil {
		return c.NoContent(http.StatusOK)
	}
	for key, values := range resp.Header {
		for _, value := range values {
			c.Response().Header().Add(key, value)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err = c.Response().Write(resp.Body)
	return err
}

// validateAuth rejects unauthenticated callbacks when no encrypt key is
// configured. With an encrypt key, the SDK's signature check applies.
func (h *WebhookHandler) validateAuth(payload []byte) error {
	if strings.TrimSpace(h.adapter.cfg.EncryptKey) != "" {
		return nil
	}
	var fuzzy larkevent.EventFuzzy
	if err := json.Unmarshal(payload, &fuzzy); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid lark webhook payload: %v", err))
	}
	if larkevent.ReqType(strings.TrimSpace(fuzzy.Type)) == larkevent.ReqTypeChallenge {
		return nil
	}
	expected := strings.TrimSpace(h.adapter.cfg.VerificationToken)
	if expected == "" {
		return echo.NewHTTPError(http.StatusForbidden, "lark webhook requires verification_token when encrypt_key is empty")
	}
	token := strings.TrimSpace(fuzzy.Token)
	if fuzzy.Header != nil && strings.TrimSpace(fuzzy.Header.Token) != "" {
		token = strings.TrimSpace(fuzzy.Header.Token)
	}
	if token == "" || token != expected {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid lark webhook token")
	}
	return nil
}
