package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseServer(t *testing.T, events []streamEnvelope, onRequest func(*http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"type\":\"done\"}\n\n")
	}))
}

func TestGatewayDispatchStreamsChunks(t *testing.T) {
	t.Parallel()

	var gotAuth, gotAccept string
	srv := sseServer(t, []streamEnvelope{
		{Type: "block", Text: "thinking about it"},
		{Type: "block", Text: "almost there", Media: []string{"img_abc"}},
		{Type: "final", Text: "here is the answer"},
	}, func(r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
	})
	defer srv.Close()

	gw := NewGateway(nil, srv.URL, "secret-token", time.Minute)
	var chunks []Chunk
	result, err := gw.Dispatch(context.Background(), Request{SessionID: "s1", Text: "hi"}, func(_ context.Context, c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Blocks != 2 || result.Finals != 1 {
		t.Fatalf("result = %+v, want 2 blocks 1 final", result)
	}
	if len(chunks) != 3 {
		t.Fatalf("delivered %d chunks, want 3", len(chunks))
	}
	if chunks[0].Kind != ChunkBlock || chunks[2].Kind != ChunkFinal {
		t.Fatalf("chunk kinds wrong: %v %v", chunks[0].Kind, chunks[2].Kind)
	}
	if len(chunks[1].MediaRefs) != 1 || chunks[1].MediaRefs[0] != "img_abc" {
		t.Fatalf("media refs not forwarded: %v", chunks[1].MediaRefs)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotAccept != "text/event-stream" {
		t.Fatalf("accept header = %q", gotAccept)
	}
}

func TestGatewayDispatchDeliverErrorIsNonFatal(t *testing.T) {
	t.Parallel()

	srv := sseServer(t, []streamEnvelope{
		{Type: "block", Text: "one"},
		{Type: "final", Text: "two"},
	}, nil)
	defer srv.Close()

	gw := NewGateway(nil, srv.URL, "", time.Minute)
	result, err := gw.Dispatch(context.Background(), Request{SessionID: "s1"}, func(_ context.Context, c Chunk) error {
		return fmt.Errorf("channel down")
	})
	if err != nil {
		t.Fatalf("dispatch should swallow deliver errors: %v", err)
	}
	if result.Blocks != 1 || result.Finals != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestGatewayDispatchErrorEvent(t *testing.T) {
	t.Parallel()

	srv := sseServer(t, []streamEnvelope{
		{Type: "block", Text: "partial"},
		{Type: "error", Error: "model unavailable"},
	}, nil)
	defer srv.Close()

	gw := NewGateway(nil, srv.URL, "", time.Minute)
	result, err := gw.Dispatch(context.Background(), Request{SessionID: "s1"}, func(context.Context, Chunk) error { return nil })
	if err == nil {
		t.Fatal("want error from error event")
	}
	if result.Blocks != 1 {
		t.Fatalf("blocks before error = %d, want 1", result.Blocks)
	}
}

func TestGatewayDispatchHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent not found", http.StatusNotFound)
	}))
	defer srv.Close()

	gw := NewGateway(nil, srv.URL, "", time.Minute)
	_, err := gw.Dispatch(context.Background(), Request{SessionID: "s1"}, func(context.Context, Chunk) error { return nil })
	if err == nil {
		t.Fatal("want error on non-2xx status")
	}
}

func TestGatewayDispatchSkipsMalformedEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"final\",\"text\":\"ok\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gw := NewGateway(nil, srv.URL, "", time.Minute)
	result, err := gw.Dispatch(context.Background(), Request{SessionID: "s1"}, func(context.Context, Chunk) error { return nil })
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Finals != 1 || result.Blocks != 0 {
		t.Fatalf("result = %+v", result)
	}
}
