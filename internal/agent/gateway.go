package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultDispatchTimeout = 5 * time.Minute

// Gateway is the HTTP client for the agent runtime. It posts the run
// request and consumes the server-sent event stream of reply chunks.
type Gateway struct {
	logger  *slog.Logger
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

// NewGateway creates a runtime client for baseURL. token is optional and
// forwarded verbatim in the Authorization header.
func NewGateway(log *slog.Logger, baseURL, token string, timeout time.Duration) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Gateway{
		logger:  log.With(slog.String("component", "agent")),
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		timeout: timeout,
		// Per-request deadline comes from the dispatch context; the
		// transport itself stays unbounded so long streams survive.
		client: &http.Client{},
	}
}

type streamEnvelope struct {
	Type  string   `json:"type"`
	Text  string   `json:"text,omitempty"`
	Media []string `json:"media,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Dispatch runs one request and forwards each streamed chunk to deliver.
func (g *Gateway) Dispatch(ctx context.Context, req Request, deliver DeliverFunc) (Result, error) {
	if deliver == nil {
		return Result{}, fmt.Errorf("deliver callback is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"session_id":  req.SessionID,
		"agent_id":    req.AgentID,
		"text":        req.Text,
		"sender_id":   req.SenderID,
		"attachments": req.Attachments,
		"metadata":    req.Metadata,
	})
	if err != nil {
		return Result{}, err
	}
	url := g.baseURL + "/v1/runs/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("agent dispatch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("agent dispatch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var result Result
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var envelope streamEnvelope
		if err := json.Unmarshal([]byte(data), &envelope); err != nil {
			g.logger.Warn("agent stream: bad event", slog.String("session", req.SessionID), slog.Any("error", err))
			continue
		}
		switch envelope.Type {
		case "block":
			result.Blocks++
			g.deliver(ctx, req.SessionID, deliver, Chunk{Kind: ChunkBlock, Text: envelope.Text, MediaRefs: envelope.Media})
		case "final":
			result.Finals++
			g.deliver(ctx, req.SessionID, deliver, Chunk{Kind: ChunkFinal, Text: envelope.Text, MediaRefs: envelope.Media})
		case "error":
			return result, fmt.Errorf("agent run failed: %s", strings.TrimSpace(envelope.Error))
		case "done":
			return result, nil
		}
	}
	return result, scanner.Err()
}

func (g *Gateway) deliver(ctx context.Context, sessionID string, deliver DeliverFunc, chunk Chunk) {
	if err := deliver(ctx, chunk); err != nil {
		g.logger.Error("chunk delivery failed",
			slog.String("session", sessionID),
			slog.String("kind", string(chunk.Kind)),
			slog.Any("error", err),
		)
	}
}
