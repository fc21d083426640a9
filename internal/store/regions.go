package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/sectorwars/internal/region"
)

const regionColumns = `id, name, display_name, owner_id, status, governance_type, tax_rate,
	voting_threshold, starting_credits, starting_ship, total_sectors, nexus_gate_sector,
	subscription_tier, total_trade_volume, treasury, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRegion(row scanner) (region.Region, error) {
	var (
		r                  region.Region
		created, updated   int64
		status, governance string
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.DisplayName, &r.OwnerID, &status, &governance, &r.TaxRate,
		&r.VotingThreshold, &r.StartingCredits, &r.StartingShip, &r.TotalSectors, &r.NexusGateSector,
		&r.SubscriptionTier, &r.TradeVolume, &r.Treasury, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return region.Region{}, region.ErrNotFound
	}
	if err != nil {
		return region.Region{}, fmt.Errorf("scan region: %w", err)
	}
	r.Status = region.Status(status)
	r.Governance = region.GovernanceType(governance)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

// CreateRegion inserts a validated region. A duplicate name is ErrConflict.
func (t *Tx) CreateRegion(ctx context.Context, r region.Region) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `INSERT INTO regions (`+regionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.DisplayName, r.OwnerID, string(r.Status), string(r.Governance), r.TaxRate,
		r.VotingThreshold, r.StartingCredits, r.StartingShip, r.TotalSectors, r.NexusGateSector,
		r.SubscriptionTier, r.TradeVolume, r.Treasury, toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: region %q already exists", ErrConflict, r.Name)
		}
		return fmt.Errorf("insert region: %w", err)
	}
	return nil
}

func (t *Tx) Region(ctx context.Context, regionID string) (region.Region, error) {
	return scanRegion(t.q.QueryRowContext(ctx, `SELECT `+regionColumns+` FROM regions WHERE id = ?`, regionID))
}

func (t *Tx) RegionByName(ctx context.Context, name string) (region.Region, error) {
	return scanRegion(t.q.QueryRowContext(ctx, `SELECT `+regionColumns+` FROM regions WHERE name = ?`, name))
}

func (t *Tx) Regions(ctx context.Context) ([]region.Region, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+regionColumns+` FROM regions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()
	var out []region.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRegionStatus applies a lifecycle transition.
func (t *Tx) SetRegionStatus(ctx context.Context, regionID string, next region.Status) (region.Region, error) {
	r, err := t.Region(ctx, regionID)
	if err != nil {
		return region.Region{}, err
	}
	if r.IsNexus() {
		return region.Region{}, fmt.Errorf("%w: the nexus cannot change status", region.ErrInvalidTransition)
	}
	if err := r.Transition(next); err != nil {
		return region.Region{}, err
	}
	r.UpdatedAt = t.now().UTC()
	if _, err := t.q.ExecContext(ctx,
		`UPDATE regions SET status = ?, updated_at = ? WHERE id = ?`,
		string(r.Status), toMillis(r.UpdatedAt), r.ID,
	); err != nil {
		return region.Region{}, fmt.Errorf("update region status: %w", err)
	}
	return r, nil
}

func (t *Tx) AdjustTreasury(ctx context.Context, regionID string, delta int64) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE regions SET treasury = treasury + ?, updated_at = ? WHERE id = ?`,
		delta, toMillis(t.now()), regionID,
	)
	if err != nil {
		return fmt.Errorf("adjust treasury: %w", err)
	}
	return mustAffect(res, region.ErrNotFound)
}

func (t *Tx) AddTradeVolume(ctx context.Context, regionID string, delta int64) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE regions SET total_trade_volume = total_trade_volume + ? WHERE id = ?`,
		delta, regionID,
	)
	if err != nil {
		return fmt.Errorf("add trade volume: %w", err)
	}
	return mustAffect(res, region.ErrNotFound)
}

// GateSectors lists the nexus sectors already taken by region gates.
func (t *Tx) GateSectors(ctx context.Context) ([]int, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT nexus_gate_sector FROM regions WHERE nexus_gate_sector > 0`)
	if err != nil {
		return nil, fmt.Errorf("list gate sectors: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) Region(ctx context.Context, regionID string) (region.Region, error) {
	return s.read().Region(ctx, regionID)
}

func (s *Store) RegionByName(ctx context.Context, name string) (region.Region, error) {
	return s.read().RegionByName(ctx, name)
}

func (s *Store) Regions(ctx context.Context) ([]region.Region, error) {
	return s.read().Regions(ctx)
}
