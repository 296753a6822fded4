// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package modelcache caches provider model lists and account balances so
// UI surfaces can poll them without hammering the upstream. Model lists
// are persisted through the storage collaborator and served
// stale-while-revalidate; balances are a short-lived in-memory cache.
package modelcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/tabrelay/internal/provider"
	"github.com/jeranaias/tabrelay/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// ModelsCacheTTL is how long a cached model list counts as fresh.
	ModelsCacheTTL = 6 * time.Hour

	// BalanceCacheTTL is how long a fetched balance is served from memory.
	BalanceCacheTTL = 60 * time.Second

	// ModelsSchemaVersion invalidates persisted records whose shape
	// predates the capability fields.
	ModelsSchemaVersion = 2

	// modelsKeyPrefix namespaces persisted model lists per provider.
	modelsKeyPrefix = "tabrelay_models_"

	// fetchTimeout bounds one refresh call.
	fetchTimeout = 30 * time.Second

	// maxResponseBody bounds how much of a response is read.
	maxResponseBody = 8 * 1024 * 1024
)

// ErrNoBalanceEndpoint is returned for providers without a balance API.
var ErrNoBalanceEndpoint = errors.New("provider has no balance endpoint")

// =============================================================================
// TYPES
// =============================================================================

// Model is one entry of a provider's model list. The capability pointers
// distinguish "known false" from "never populated": records persisted by
// older builds lack them, and such a record is treated as stale no matter
// how recently it was written.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"contextLength,omitempty"`

	SupportsChat   *bool `json:"supportsChat"`
	SupportsImages *bool `json:"supportsImages"`
}

// modelsRecord is the persisted per-provider cache entry.
type modelsRecord struct {
	Models        []Model   `json:"models"`
	CachedAt      time.Time `json:"cachedAt"`
	SchemaVersion int       `json:"schemaVersion"`
}

type balanceEntry struct {
	value     float64
	fetchedAt time.Time
}

// Cache serves model lists and balances with TTL semantics. Safe for
// concurrent use.
type Cache struct {
	kv     storage.KV
	client *http.Client
	apiKey func(providerID string) string

	// limiter caps refresh traffic across all providers.
	limiter *rate.Limiter

	mu         sync.Mutex
	models     map[string]*modelsRecord // providerID -> record
	refreshing map[string]bool          // providerID -> refresh in flight
	balances   map[string]balanceEntry  // providerID -> entry

	now       func() time.Time
	reportErr func(op string, err error)
}

// Config assembles a Cache. KV may be nil (memory-only operation).
type Config struct {
	KV     storage.KV
	APIKey func(providerID string) string

	HTTPClient    *http.Client
	ErrorReporter func(op string, err error)
}

// New creates a cache.
func New(cfg Config) *Cache {
	c := &Cache{
		kv:         cfg.KV,
		client:     cfg.HTTPClient,
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 3),
		models:     make(map[string]*modelsRecord),
		refreshing: make(map[string]bool),
		balances:   make(map[string]balanceEntry),
		now:        time.Now,
		reportErr: func(op string, err error) {
			log.Printf("modelcache: %s: %v", op, err)
		},
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: fetchTimeout}
	}
	if c.apiKey == nil {
		c.apiKey = func(string) string { return "" }
	}
	if cfg.ErrorReporter != nil {
		c.reportErr = cfg.ErrorReporter
	}
	return c
}

// =============================================================================
// MODELS
// =============================================================================

// Models returns the model list for prov. A fresh cache is returned
// directly. A stale cache is returned immediately while a background
// refresh runs; with no cache at all the fetch is blocking.
func (c *Cache) Models(ctx context.Context, prov provider.Provider) ([]Model, error) {
	rec := c.loadRecord(ctx, prov.ID)

	if rec != nil && c.recordFresh(rec) {
		return rec.Models, nil
	}

	if rec != nil && len(rec.Models) > 0 {
		c.refreshInBackground(prov)
		return rec.Models, nil
	}

	// Nothing cached: the caller waits for the first fetch.
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	models, err := c.fetchModels(ctx, prov)
	if err != nil {
		return nil, err
	}
	c.storeRecord(prov.ID, models)
	return models, nil
}

// recordFresh applies the three staleness rules: age, schema version, and
// populated capability fields on every entry.
func (c *Cache) recordFresh(rec *modelsRecord) bool {
	if rec.SchemaVersion != ModelsSchemaVersion {
		return false
	}
	if c.now().Sub(rec.CachedAt) >= ModelsCacheTTL {
		return false
	}
	for _, m := range rec.Models {
		if m.SupportsChat == nil || m.SupportsImages == nil {
			return false
		}
	}
	return true
}

// loadRecord returns the in-memory record for a provider, falling back to
// the persisted one on first access.
func (c *Cache) loadRecord(ctx context.Context, providerID string) *modelsRecord {
	c.mu.Lock()
	rec, ok := c.models[providerID]
	c.mu.Unlock()
	if ok {
		return rec
	}
	if c.kv == nil {
		return nil
	}

	storageKey := modelsKeyPrefix + providerID
	got, err := c.kv.Get(ctx, []string{storageKey})
	if err != nil {
		c.reportErr("load "+providerID, err)
		return nil
	}
	raw, ok := got[storageKey]
	if !ok {
		return nil
	}

	var loaded modelsRecord
	if err := json.Unmarshal(raw, &loaded); err != nil {
		c.reportErr("decode "+providerID, err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.models[providerID]; ok {
		return existing
	}
	c.models[providerID] = &loaded
	return &loaded
}

// storeRecord replaces the record for a provider and schedules
// persistence.
func (c *Cache) storeRecord(providerID string, models []Model) {
	rec := &modelsRecord{
		Models:        models,
		CachedAt:      c.now(),
		SchemaVersion: ModelsSchemaVersion,
	}
	c.mu.Lock()
	c.models[providerID] = rec
	c.mu.Unlock()

	if c.kv == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.reportErr("marshal "+providerID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	if err := c.kv.Set(ctx, map[string][]byte{modelsKeyPrefix + providerID: data}); err != nil {
		c.reportErr("persist "+providerID, err)
	}
}

// refreshInBackground starts one fire-and-forget refresh per provider.
// Duplicate triggers and rate-limit overruns are dropped silently; the
// caller already has stale data to show.
func (c *Cache) refreshInBackground(prov provider.Provider) {
	c.mu.Lock()
	if c.refreshing[prov.ID] {
		c.mu.Unlock()
		return
	}
	c.refreshing[prov.ID] = true
	c.mu.Unlock()

	if !c.limiter.Allow() {
		c.mu.Lock()
		delete(c.refreshing, prov.ID)
		c.mu.Unlock()
		return
	}

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, prov.ID)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		models, err := c.fetchModels(ctx, prov)
		if err != nil {
			c.reportErr("refresh "+prov.ID, err)
			return
		}
		c.storeRecord(prov.ID, models)
	}()
}

// wireModel is the upstream model-list entry shape.
type wireModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
	Architecture  *struct {
		Modality string `json:"modality"`
	} `json:"architecture"`
}

// fetchModels performs one GET against the provider's models endpoint.
func (c *Cache) fetchModels(ctx context.Context, prov provider.Provider) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, prov.ModelsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if key := c.apiKey(prov.ID); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseErrorResponse(resp.StatusCode, body)
	}

	var parsed struct {
		Data []wireModel `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]Model, 0, len(parsed.Data))
	for _, wm := range parsed.Data {
		chat := true
		images := wm.Architecture != nil && strings.Contains(wm.Architecture.Modality, "image")
		models = append(models, Model{
			ID:             wm.ID,
			Name:           wm.Name,
			ContextLength:  wm.ContextLength,
			SupportsChat:   &chat,
			SupportsImages: &images,
		})
	}
	return models, nil
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance returns the provider's remaining account balance, served from a
// 60-second in-memory cache. Providers without a balance endpoint return
// ErrNoBalanceEndpoint.
func (c *Cache) Balance(ctx context.Context, prov provider.Provider) (float64, error) {
	if prov.BalanceURL() == "" {
		return 0, ErrNoBalanceEndpoint
	}

	c.mu.Lock()
	entry, ok := c.balances[prov.ID]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.fetchedAt) < BalanceCacheTTL {
		return entry.value, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	value, err := c.fetchBalance(ctx, prov)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.balances[prov.ID] = balanceEntry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
	return value, nil
}

// fetchBalance performs one GET against the provider's balance endpoint.
func (c *Cache) fetchBalance(ctx context.Context, prov provider.Provider) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, prov.BalanceURL(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey(prov.ID))

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, provider.ParseErrorResponse(resp.StatusCode, body)
	}

	return parseBalance(body)
}

// parseBalance handles the two balance shapes the builtin providers use:
// OpenRouter's credits object and DeepSeek's balance_infos list.
func parseBalance(body []byte) (float64, error) {
	var credits struct {
		Data *struct {
			TotalCredits float64 `json:"total_credits"`
			TotalUsage   float64 `json:"total_usage"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &credits); err == nil && credits.Data != nil {
		return credits.Data.TotalCredits - credits.Data.TotalUsage, nil
	}

	var infos struct {
		BalanceInfos []struct {
			TotalBalance string `json:"total_balance"`
		} `json:"balance_infos"`
	}
	if err := json.Unmarshal(body, &infos); err == nil && len(infos.BalanceInfos) > 0 {
		v, err := strconv.ParseFloat(infos.BalanceInfos[0].TotalBalance, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse balance value: %w", err)
		}
		return v, nil
	}

	return 0, fmt.Errorf("unrecognized balance response")
}
