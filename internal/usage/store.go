// Package usage persists per-user token and cost accounting in SQLite.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"personabot/internal/domain"
)

// Store implements domain.UsageStore on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite writes serialize anyway; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		persona           TEXT NOT NULL,
		user_id           TEXT NOT NULL,
		user_name         TEXT,
		model             TEXT,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd          REAL NOT NULL DEFAULT 0,
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id);
	CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Record(ctx context.Context, rec domain.UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = EstimateCost(rec.Model, rec.PromptTokens, rec.CompletionTokens)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (persona, user_id, user_name, model, prompt_tokens, completion_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PersonaName, rec.UserID, rec.UserName, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *Store) TopUsers(ctx context.Context, limit int) ([]domain.UserUsage, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id,
		        COALESCE(MAX(user_name), ''),
		        COUNT(*),
		        SUM(prompt_tokens),
		        SUM(completion_tokens),
		        SUM(cost_usd)
		 FROM usage_records
		 GROUP BY user_id
		 ORDER BY SUM(prompt_tokens) + SUM(completion_tokens) DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top users: %w", err)
	}
	defer rows.Close()

	var out []domain.UserUsage
	for rows.Next() {
		var u domain.UserUsage
		if err := rows.Scan(&u.UserID, &u.UserName, &u.Requests, &u.PromptTokens, &u.CompletionTokens, &u.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) Totals(ctx context.Context) (domain.UsageTotals, error) {
	var t domain.UsageTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(prompt_tokens), 0),
		        COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM usage_records`,
	).Scan(&t.Requests, &t.PromptTokens, &t.CompletionTokens, &t.CostUSD)
	if err != nil {
		return domain.UsageTotals{}, fmt.Errorf("query totals: %w", err)
	}
	return t, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// modelPricing is USD per million tokens. Unknown models fall back to the
// default row.
type modelPricing struct {
	promptPerM     float64
	completionPerM float64
}

var pricing = map[string]modelPricing{
	"gpt-4o":      {promptPerM: 2.50, completionPerM: 10.00},
	"gpt-4o-mini": {promptPerM: 0.15, completionPerM: 0.60},
	"gpt-4.1":     {promptPerM: 2.00, completionPerM: 8.00},
}

var defaultPricing = modelPricing{promptPerM: 1.00, completionPerM: 3.00}

// EstimateCost converts token counts to an approximate USD cost.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := pricing[strings.ToLower(model)]
	if !ok {
		p = defaultPricing
	}
	return float64(promptTokens)/1e6*p.promptPerM + float64(completionTokens)/1e6*p.completionPerM
}
