// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package modelcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/tabrelay/internal/provider"
	"github.com/jeranaias/tabrelay/internal/storage"
)

const modelsJSON = `{"data":[
	{"id":"alpha","name":"Alpha","context_length":8192,"architecture":{"modality":"text->text"}},
	{"id":"beta","name":"Beta","context_length":32768,"architecture":{"modality":"text+image->text"}}
]}`

func testProvider(baseURL string) provider.Provider {
	return provider.Provider{ID: "test", BaseURL: baseURL, BalancePath: "/credits"}
}

func newTestCache(kv storage.KV) *Cache {
	c := New(Config{
		KV:            kv,
		APIKey:        func(string) string { return "sk-test" },
		ErrorReporter: func(string, error) {},
	})
	return c
}

// waitForRefresh polls until no background refresh is in flight.
func waitForRefresh(t *testing.T, c *Cache, providerID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		busy := c.refreshing[providerID]
		c.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background refresh never finished")
}

func TestModels_BlockingFetchWhenEmpty(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, modelsJSON)
	}))
	defer server.Close()

	c := newTestCache(nil)
	models, err := c.Models(context.Background(), testProvider(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %+v", models)
	}
	if models[0].ID != "alpha" || models[0].SupportsChat == nil || !*models[0].SupportsChat {
		t.Errorf("model 0 = %+v", models[0])
	}
	if models[1].SupportsImages == nil || !*models[1].SupportsImages {
		t.Errorf("beta should support images: %+v", models[1])
	}
	if models[0].SupportsImages == nil || *models[0].SupportsImages {
		t.Errorf("alpha should not support images: %+v", models[0])
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestModels_FreshCacheSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, modelsJSON)
	}))
	defer server.Close()

	c := newTestCache(nil)
	prov := testProvider(server.URL)
	ctx := context.Background()

	if _, err := c.Models(ctx, prov); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Models(ctx, prov); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestModels_StaleServedWhileRevalidating(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, modelsJSON)
	}))
	defer server.Close()

	c := newTestCache(nil)
	prov := testProvider(server.URL)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }
	if _, err := c.Models(ctx, prov); err != nil {
		t.Fatal(err)
	}

	// Cross the TTL: the stale list comes back immediately and a refresh
	// runs behind it.
	now = now.Add(ModelsCacheTTL + time.Minute)
	models, err := c.Models(ctx, prov)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Errorf("stale models = %+v", models)
	}
	waitForRefresh(t, c, prov.ID)
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}

	// The refreshed record is fresh again.
	if _, err := c.Models(ctx, prov); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls after refresh = %d, want 2", calls.Load())
	}
}

func TestModels_SchemaMismatchIsStale(t *testing.T) {
	kv := storage.NewMemKV()
	ctx := context.Background()

	old := modelsRecord{
		Models:        []Model{{ID: "legacy"}},
		CachedAt:      time.Now(),
		SchemaVersion: ModelsSchemaVersion - 1,
	}
	raw, _ := json.Marshal(old)
	if err := kv.Set(ctx, map[string][]byte{modelsKeyPrefix + "test": raw}); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, modelsJSON)
	}))
	defer server.Close()

	c := newTestCache(kv)
	prov := testProvider(server.URL)
	models, err := c.Models(ctx, prov)
	if err != nil {
		t.Fatal(err)
	}
	// Stale data exists, so it is served as-is; the legacy entry shows the
	// old record was used.
	if len(models) != 1 || models[0].ID != "legacy" {
		t.Errorf("models = %+v", models)
	}
	waitForRefresh(t, c, prov.ID)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 background refresh", calls.Load())
	}
}

func TestModels_MissingCapabilityFieldsAreStale(t *testing.T) {
	c := newTestCache(nil)
	chat := true
	rec := &modelsRecord{
		Models:        []Model{{ID: "m", SupportsChat: &chat}}, // SupportsImages nil
		CachedAt:      time.Now(),
		SchemaVersion: ModelsSchemaVersion,
	}
	if c.recordFresh(rec) {
		t.Error("record with nil capability field must be stale")
	}
}

func TestModels_PersistedAcrossInstances(t *testing.T) {
	kv := storage.NewMemKV()
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, modelsJSON)
	}))
	defer server.Close()
	prov := testProvider(server.URL)

	first := newTestCache(kv)
	if _, err := first.Models(ctx, prov); err != nil {
		t.Fatal(err)
	}
	server.Close()

	// A fresh instance serves from the persisted record without network.
	second := newTestCache(kv)
	models, err := second.Models(ctx, prov)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Errorf("models = %+v", models)
	}
}

func TestModels_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	c := newTestCache(nil)
	_, err := c.Models(context.Background(), testProvider(server.URL))
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("error = %v", err)
	}
}

func TestBalance_TTL(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data":{"total_credits":10.5,"total_usage":2.5}}`)
	}))
	defer server.Close()

	c := newTestCache(nil)
	prov := testProvider(server.URL)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }

	got, err := c.Balance(ctx, prov)
	if err != nil {
		t.Fatal(err)
	}
	if got != 8.0 {
		t.Errorf("balance = %v, want 8.0", got)
	}

	// Within TTL: cached.
	now = now.Add(30 * time.Second)
	if _, err := c.Balance(ctx, prov); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	// Past TTL: refetched.
	now = now.Add(31 * time.Second)
	if _, err := c.Balance(ctx, prov); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestBalance_NoEndpoint(t *testing.T) {
	c := newTestCache(nil)
	_, err := c.Balance(context.Background(), provider.Provider{ID: "x", BaseURL: "http://example.invalid"})
	if !errors.Is(err, ErrNoBalanceEndpoint) {
		t.Errorf("error = %v", err)
	}
}

func TestParseBalance(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr bool
	}{
		{"credits object", `{"data":{"total_credits":5,"total_usage":1.5}}`, 3.5, false},
		{"balance infos", `{"balance_infos":[{"total_balance":"12.34"}]}`, 12.34, false},
		{"bad numeric string", `{"balance_infos":[{"total_balance":"abc"}]}`, 0, true},
		{"unknown shape", `{"ok":true}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBalance([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
