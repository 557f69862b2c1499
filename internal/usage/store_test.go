package usage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"personabot/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := NewStore(dbPath, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []domain.UsageRecord{
		{PersonaName: "friendly", UserID: "u1", UserName: "alice", Model: "gpt-4o-mini", PromptTokens: 1000, CompletionTokens: 200},
		{PersonaName: "friendly", UserID: "u1", UserName: "alice", Model: "gpt-4o-mini", PromptTokens: 500, CompletionTokens: 100},
		{PersonaName: "friendly", UserID: "u2", UserName: "bob", Model: "gpt-4o-mini", PromptTokens: 50, CompletionTokens: 10},
	}
	for _, rec := range records {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	totals, err := s.Totals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Requests != 3 {
		t.Errorf("requests = %d, want 3", totals.Requests)
	}
	if totals.PromptTokens != 1550 || totals.CompletionTokens != 310 {
		t.Errorf("token totals = %d/%d, want 1550/310", totals.PromptTokens, totals.CompletionTokens)
	}
	if totals.CostUSD <= 0 {
		t.Error("cost should have been estimated on record")
	}
}

func TestStore_TopUsersOrderedByTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Record(ctx, domain.UsageRecord{UserID: "light", UserName: "light", PromptTokens: 10, CompletionTokens: 5})
	s.Record(ctx, domain.UsageRecord{UserID: "heavy", UserName: "heavy", PromptTokens: 9000, CompletionTokens: 1000})
	s.Record(ctx, domain.UsageRecord{UserID: "mid", UserName: "mid", PromptTokens: 300, CompletionTokens: 100})

	top, err := s.TopUsers(ctx, 2)
	if err != nil {
		t.Fatalf("top users: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("got %d users, want 2", len(top))
	}
	if top[0].UserID != "heavy" || top[1].UserID != "mid" {
		t.Errorf("order = %s, %s; want heavy, mid", top[0].UserID, top[1].UserID)
	}
	if top[0].Requests != 1 || top[0].PromptTokens != 9000 {
		t.Errorf("aggregation wrong: %+v", top[0])
	}
}

func TestStore_EmptyTotals(t *testing.T) {
	s := newTestStore(t)
	totals, err := s.Totals(context.Background())
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Requests != 0 || totals.CostUSD != 0 {
		t.Errorf("expected zero totals, got %+v", totals)
	}
}

func TestEstimateCost(t *testing.T) {
	known := EstimateCost("gpt-4o-mini", 1_000_000, 1_000_000)
	if known != 0.15+0.60 {
		t.Errorf("gpt-4o-mini cost = %v, want 0.75", known)
	}

	unknown := EstimateCost("mystery-model", 1_000_000, 0)
	if unknown != 1.00 {
		t.Errorf("unknown model should use default pricing, got %v", unknown)
	}

	if EstimateCost("gpt-4o", 0, 0) != 0 {
		t.Error("zero tokens must cost zero")
	}
}
