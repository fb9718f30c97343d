// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/switchyardio/switchyard/internal"
)

// UsageFilter narrows usage queries. Zero fields are unconstrained.
type UsageFilter struct {
	Route      string
	ProviderID string
	Model      string
	Since      string // RFC3339, inclusive
	Until      string // RFC3339, exclusive
	Limit      int
	Offset     int
}

// UsageSummary aggregates records per provider and model.
type UsageSummary struct {
	ProviderID       string `json:"provider_id"`
	Model            string `json:"model"`
	Requests         int    `json:"requests"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]gateway.UsageRecord, error)
	SummarizeUsage(ctx context.Context, f UsageFilter) ([]UsageSummary, error)
	Ping(ctx context.Context) error
	Close() error
}
