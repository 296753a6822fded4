// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/tabrelay/internal/contextstore"
	"github.com/jeranaias/tabrelay/internal/engine"
	"github.com/jeranaias/tabrelay/internal/modelcache"
	"github.com/jeranaias/tabrelay/internal/port"
	"github.com/jeranaias/tabrelay/internal/provider"
	"github.com/jeranaias/tabrelay/internal/storage"
)

// newTestServer stands up the whole relay against a fake upstream.
func newTestServer(t *testing.T, upstream http.HandlerFunc) (*httptest.Server, *contextstore.Store) {
	t.Helper()

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	reg := provider.NewRegistry()
	reg.Register(provider.Provider{
		ID:           "test",
		BaseURL:      up.URL,
		DefaultModel: "test-model",
		BalancePath:  "/credits",
	})
	if err := reg.SetDefault("test"); err != nil {
		t.Fatal(err)
	}

	store := contextstore.New(storage.NewMemKV())
	apiKey := func(string) string { return "sk-test" }
	eng := engine.New(engine.Config{
		Store:         store,
		Providers:     reg,
		APIKey:        apiKey,
		Timeout:       5 * time.Second,
		ErrorReporter: func(string, error) {},
	})
	cache := modelcache.New(modelcache.Config{
		APIKey:        apiKey,
		ErrorReporter: func(string, error) {},
	})

	s := New(Config{
		Engine:    eng,
		Store:     store,
		Providers: reg,
		Cache:     cache,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

// dialPort opens the WebSocket port endpoint.
func dialPort(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/port"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func sseUpstream(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/chat/completions":
		fl := w.(http.Flusher)
		for _, line := range []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo!"}}],"usage":{"total_tokens":12}}`,
			"[DONE]",
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
			fl.Flush()
		}
	case "/models":
		fmt.Fprint(w, `{"data":[{"id":"m1","name":"M1","context_length":4096}]}`)
	case "/credits":
		fmt.Fprint(w, `{"data":{"total_credits":5,"total_usage":1}}`)
	default:
		http.NotFound(w, r)
	}
}

func TestShutdownSafeBeforeStart(t *testing.T) {
	// Shutdown is called from the signal path while Start runs on its own
	// goroutine, so the http.Server must exist from construction onward.
	s := New(Config{Providers: provider.NewRegistry()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown before start: %v", err)
	}
}

func TestPort_StreamEndToEnd(t *testing.T) {
	ts, store := newTestServer(t, sseUpstream)
	conn := dialPort(t, ts)

	start := map[string]any{
		"command":         "start",
		"prompt":          "Hi",
		"conversationKey": "7",
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatal(err)
	}

	var events []port.Event
	for {
		var ev port.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read failed after %d events: %v", len(events), err)
		}
		events = append(events, ev)
		if ev.Type == port.EventComplete || ev.Type == port.EventError {
			break
		}
	}

	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Content != "Hel" || events[1].Content != "lo!" {
		t.Errorf("content events = %+v", events[:2])
	}
	done := events[2]
	if done.Type != port.EventComplete || done.Tokens == nil || *done.Tokens != 12 || done.ContextSize != 2 {
		t.Errorf("complete = %+v", done)
	}

	if got := store.Size(contextstore.TabKey(7)); got != 2 {
		t.Errorf("stored context size = %d", got)
	}
}

func TestPort_ClearCommand(t *testing.T) {
	ts, store := newTestServer(t, sseUpstream)
	key := contextstore.TabKey(9)
	store.Append(key, contextstore.NewUserMessage("old"))

	conn := dialPort(t, ts)
	if err := conn.WriteJSON(map[string]any{"command": "clear", "conversationKey": "9"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Size(key) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("conversation was not cleared")
}

func TestPort_UnknownCommand(t *testing.T) {
	ts, _ := newTestServer(t, sseUpstream)
	conn := dialPort(t, ts)

	if err := conn.WriteJSON(map[string]any{"command": "dance"}); err != nil {
		t.Fatal(err)
	}
	var ev port.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != port.EventError || !strings.Contains(ev.Error, "unknown command") {
		t.Errorf("event = %+v", ev)
	}
}

func TestModelsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, sseUpstream)

	resp, err := http.Get(ts.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Provider string            `json:"provider"`
		Models   []modelcache.Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Provider != "test" || len(body.Models) != 1 || body.Models[0].ID != "m1" {
		t.Errorf("body = %+v", body)
	}
}

func TestModelsEndpoint_UnknownProvider(t *testing.T) {
	ts, _ := newTestServer(t, sseUpstream)
	resp, err := http.Get(ts.URL + "/v1/models?provider=ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, sseUpstream)

	resp, err := http.Get(ts.URL + "/v1/balance")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Balance != 4.0 {
		t.Errorf("balance = %v", body.Balance)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, sseUpstream)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %+v", body)
	}
}
