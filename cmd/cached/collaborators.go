package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/storeops/storecache/pkg/cache"
	"github.com/storeops/storecache/pkg/observability"
)

// The warm-up collaborators live in the analytics service; the daemon
// reaches them over its internal HTTP API.

type datasetClient struct {
	baseURL string
	client  *http.Client
	logger  observability.Logger
}

func newDatasetClient(v *viper.Viper, logger observability.Logger) *datasetClient {
	timeout := v.GetDuration("analytics.timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &datasetClient{
		baseURL: v.GetString("analytics.base_url"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CurrentDataset fetches the current working dataset snapshot. Without a
// configured analytics endpoint it returns an empty table, which the warmer
// treats as "skip this run".
func (c *datasetClient) CurrentDataset(ctx context.Context) (*cache.Table, error) {
	if c.baseURL == "" {
		return &cache.Table{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/dataset/current", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dataset provider returned %d", resp.StatusCode)
	}
	var table cache.Table
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, fmt.Errorf("invalid dataset payload: %w", err)
	}
	return &table, nil
}

type analyticsClient struct {
	baseURL string
	client  *http.Client
	logger  observability.Logger
}

func newAnalyticsClient(v *viper.Viper, logger observability.Logger) *analyticsClient {
	timeout := v.GetDuration("analytics.timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &analyticsClient{
		baseURL: v.GetString("analytics.base_url"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ComputeDiagnosis delegates the per-entity diagnosis to the analytics
// service. An empty entity list requests the global diagnosis.
func (c *analyticsClient) ComputeDiagnosis(ctx context.Context, dataset *cache.Table, entityIDs []string) (cache.RecordMap, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("analytics endpoint not configured")
	}

	body, err := json.Marshal(map[string]interface{}{"entity_ids": entityIDs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/diagnosis", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analytics service returned %d", resp.StatusCode)
	}
	var diagnosis cache.RecordMap
	if err := json.NewDecoder(resp.Body).Decode(&diagnosis); err != nil {
		return nil, fmt.Errorf("invalid diagnosis payload: %w", err)
	}
	return diagnosis, nil
}

// naturalOrderLister reads entity IDs from the dataset's entity_id column,
// first occurrence order, deduplicated.
type naturalOrderLister struct{}

func (naturalOrderLister) ListEntities(dataset *cache.Table) []string {
	if dataset == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, cell := range dataset.Column("entity_id") {
		id, ok := cell.(string)
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
