package store

import (
	"context"
	"fmt"
	"time"

	"github.com/example/sectorwars/internal/aisecurity"
)

func dayKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }

// AddUsage adds one request and its cost to the player's total for the day.
func (s *Store) AddUsage(ctx context.Context, playerID string, at time.Time, usd float64) error {
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO ai_usage (player_id, day, cost_usd, requests)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (player_id, day) DO UPDATE SET
			cost_usd = ai_usage.cost_usd + excluded.cost_usd,
			requests = ai_usage.requests + 1`,
		playerID, dayKey(at), usd)
	if err != nil {
		return fmt.Errorf("add ai usage: %w", err)
	}
	return nil
}

// UsageOn returns every player's usage for the day containing at.
func (s *Store) UsageOn(ctx context.Context, at time.Time) ([]aisecurity.Usage, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT player_id, cost_usd, requests FROM ai_usage WHERE day = ? ORDER BY player_id`, dayKey(at))
	if err != nil {
		return nil, fmt.Errorf("list ai usage: %w", err)
	}
	defer rows.Close()
	var out []aisecurity.Usage
	for rows.Next() {
		var u aisecurity.Usage
		if err := rows.Scan(&u.PlayerID, &u.CostUSD, &u.Requests); err != nil {
			return nil, fmt.Errorf("scan ai usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PruneUsage deletes usage rows for days before the one containing before.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM ai_usage WHERE day < ?`, dayKey(before))
	if err != nil {
		return 0, fmt.Errorf("prune ai usage: %w", err)
	}
	return res.RowsAffected()
}
