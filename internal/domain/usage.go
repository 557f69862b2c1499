package domain

import (
	"context"
	"time"
)

// UsageRecord is the accounting entry for one completed completion request.
type UsageRecord struct {
	PersonaName      string
	UserID           string
	UserName         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Timestamp        time.Time
}

// UserUsage is the running total for one user.
type UserUsage struct {
	UserID           string
	UserName         string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// UsageTotals aggregates all recorded usage.
type UsageTotals struct {
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// UsageStore persists per-user token and cost accounting.
type UsageStore interface {
	Record(ctx context.Context, rec UsageRecord) error
	TopUsers(ctx context.Context, limit int) ([]UserUsage, error)
	Totals(ctx context.Context) (UsageTotals, error)
	Close() error
}
