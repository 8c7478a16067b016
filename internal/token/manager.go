// Package token caches the Lark tenant access token used as a bearer
// credential by the raw card-streaming API calls.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	tenantTokenPath = "/open-apis/auth/v3/tenant_access_token/internal"

	// expiryMargin is subtracted from the platform-reported lifetime so a
	// token is refreshed before it can expire mid-request.
	expiryMargin   = 5 * time.Minute
	requestTimeout = 15 * time.Second
)

// Manager fetches and caches a tenant access token. The credential is
// opaque: it is only ever forwarded as an Authorization header. A failed
// fetch is never cached; the next call retries.
type Manager struct {
	logger    *slog.Logger
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
	group     singleflight.Group
	now       func() time.Time
}

// NewManager creates a token manager for the given app against baseURL
// (the open-apis origin, e.g. https://open.feishu.cn).
func NewManager(log *slog.Logger, baseURL, appID, appSecret string) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger:    log.With(slog.String("component", "token")),
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		appID:     strings.TrimSpace(appID),
		appSecret: strings.TrimSpace(appSecret),
		client:    &http.Client{Timeout: requestTimeout},
		now:       time.Now,
	}
}

// Token returns a valid access token, fetching a fresh one when the cached
// token is missing or near expiry. Concurrent callers share one fetch.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cached != "" && m.now().Before(m.expiresAt) {
		token := m.cached
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	value, err, _ := m.group.Do("tenant", func() (any, error) {
		return m.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Invalidate drops the cached token so the next Token call fetches anew.
// Callers invoke it after an auth rejection from the platform.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) fetch(ctx context.Context) (string, error) {
	if m.appID == "" || m.appSecret == "" {
		return "", fmt.Errorf("token manager app credentials not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"app_id":     m.appID,
		"app_secret": m.appSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+tenantTokenPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read tenant token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch tenant token: status %d", resp.StatusCode)
	}
	var parsed struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse tenant token response: %w", err)
	}
	if parsed.Code != 0 {
		return "", fmt.Errorf("fetch tenant token: %s (code: %d)", parsed.Msg, parsed.Code)
	}
	tokenValue := strings.TrimSpace(parsed.TenantAccessToken)
	if tokenValue == "" {
		return "", fmt.Errorf("fetch tenant token: empty token")
	}
	lifetime := time.Duration(parsed.Expire) * time.Second
	if lifetime > expiryMargin {
		lifetime -= expiryMargin
	}
	m.mu.Lock()
	m.cached = tokenValue
	m.expiresAt = m.now().Add(lifetime)
	m.mu.Unlock()
	m.logger.Debug("tenant token refreshed", slog.Duration("lifetime", lifetime))
	return tokenValue, nil
}
