package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/sectorwars/internal/assets"
	"github.com/example/sectorwars/internal/market"
)

var (
	ErrNoScope    = errors.New("store: region scope requires a region id")
	ErrCrossScope = errors.New("store: row belongs to another region")
)

// RegionScope reads and writes region-owned rows for exactly one region.
// Every statement binds region_id from the scope, never from the caller's
// values.
type RegionScope struct {
	q        querier
	regionID string
}

// Scope returns the region scope inside this transaction.
func (t *Tx) Scope(regionID string) *RegionScope {
	return &RegionScope{q: t.q, regionID: regionID}
}

// Scope returns a region scope outside any transaction.
func (s *Store) Scope(regionID string) *RegionScope {
	return &RegionScope{q: s.sqlDB, regionID: regionID}
}

func (r *RegionScope) RegionID() string { return r.regionID }

func (r *RegionScope) check(rowRegion string) error {
	if r.regionID == "" {
		return ErrNoScope
	}
	if rowRegion != "" && rowRegion != r.regionID {
		return fmt.Errorf("%w: %s is not %s", ErrCrossScope, rowRegion, r.regionID)
	}
	return nil
}

// Holdings returns the player's holdings in this region. A player who has
// never held anything here gets empty holdings.
func (r *RegionScope) Holdings(ctx context.Context, playerID string) (assets.Holdings, error) {
	if err := r.check(""); err != nil {
		return assets.Holdings{}, err
	}
	h := assets.NewHoldings(playerID, r.regionID)
	var cargo, cost string
	err := r.q.QueryRowContext(ctx, `SELECT credits, cargo, cargo_cost, ship, ship_hold, planets, ports
		FROM holdings WHERE region_id = ? AND player_id = ?`, r.regionID, playerID,
	).Scan(&h.Credits, &cargo, &cost, &h.Ship, &h.ShipHold, &h.Planets, &h.Ports)
	if errors.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return assets.Holdings{}, fmt.Errorf("load holdings: %w", err)
	}
	if err := json.Unmarshal([]byte(cargo), &h.Cargo); err != nil {
		return assets.Holdings{}, fmt.Errorf("decode cargo: %w", err)
	}
	if err := json.Unmarshal([]byte(cost), &h.CargoCost); err != nil {
		return assets.Holdings{}, fmt.Errorf("decode cargo cost: %w", err)
	}
	return h, nil
}

func (r *RegionScope) PutHoldings(ctx context.Context, h assets.Holdings) error {
	if err := r.check(h.RegionID); err != nil {
		return err
	}
	cargo, err := json.Marshal(nonNil(h.Cargo))
	if err != nil {
		return err
	}
	cost, err := json.Marshal(nonNil(h.CargoCost))
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO holdings (
		region_id, player_id, credits, cargo, cargo_cost, ship, ship_hold, planets, ports
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (region_id, player_id) DO UPDATE SET
		credits = excluded.credits,
		cargo = excluded.cargo,
		cargo_cost = excluded.cargo_cost,
		ship = excluded.ship,
		ship_hold = excluded.ship_hold,
		planets = excluded.planets,
		ports = excluded.ports`,
		r.regionID, h.PlayerID, h.Credits, string(cargo), string(cost), h.Ship, h.ShipHold, h.Planets, h.Ports,
	)
	if err != nil {
		return fmt.Errorf("put holdings: %w", err)
	}
	return nil
}

func nonNil(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

const portColumns = `region_id, id, name, sector, stock, prices, production`

func scanPort(row scanner) (market.Port, error) {
	var (
		p                         market.Port
		stock, prices, production string
	)
	err := row.Scan(&p.RegionID, &p.ID, &p.Name, &p.Sector, &stock, &prices, &production)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Port{}, market.ErrNotFound
	}
	if err != nil {
		return market.Port{}, fmt.Errorf("scan port: %w", err)
	}
	for _, f := range []struct {
		raw string
		dst *map[string]int64
	}{{stock, &p.Stock}, {prices, &p.Prices}, {production, &p.Production}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return market.Port{}, fmt.Errorf("decode port %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func (r *RegionScope) Ports(ctx context.Context) ([]market.Port, error) {
	if err := r.check(""); err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, `SELECT `+portColumns+` FROM ports WHERE region_id = ? ORDER BY sector, id`, r.regionID)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer rows.Close()
	var out []market.Port
	for rows.Next() {
		p, err := scanPort(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *RegionScope) Port(ctx context.Context, portID string) (market.Port, error) {
	if err := r.check(""); err != nil {
		return market.Port{}, err
	}
	return scanPort(r.q.QueryRowContext(ctx,
		`SELECT `+portColumns+` FROM ports WHERE region_id = ? AND id = ?`, r.regionID, portID))
}

func (r *RegionScope) PutPort(ctx context.Context, p market.Port) error {
	if err := r.check(p.RegionID); err != nil {
		return err
	}
	stock, err := json.Marshal(nonNil(p.Stock))
	if err != nil {
		return err
	}
	prices, err := json.Marshal(nonNil(p.Prices))
	if err != nil {
		return err
	}
	production, err := json.Marshal(nonNil(p.Production))
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO ports (`+portColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (region_id, id) DO UPDATE SET
			name = excluded.name,
			sector = excluded.sector,
			stock = excluded.stock,
			prices = excluded.prices,
			production = excluded.production`,
		r.regionID, p.ID, p.Name, p.Sector, string(stock), string(prices), string(production),
	)
	if err != nil {
		return fmt.Errorf("put port: %w", err)
	}
	return nil
}
