package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/sectorwars/internal/audit"
	"github.com/example/sectorwars/internal/travel"
	"github.com/example/sectorwars/internal/warpgate"
)

const gateColumns = `id, name, kind, source_region_id, source_sector, dest_region_id, dest_sector,
	energy_cost, travel_time_ms, bidirectional, status, restrictions, owner_id`

// PutGate inserts or replaces a gate.
func (t *Tx) PutGate(ctx context.Context, g warpgate.Gate) error {
	if err := g.Validate(); err != nil {
		return err
	}
	restrictions, err := json.Marshal(g.Restrictions)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `INSERT INTO gates (`+gateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			source_region_id = excluded.source_region_id,
			source_sector = excluded.source_sector,
			dest_region_id = excluded.dest_region_id,
			dest_sector = excluded.dest_sector,
			energy_cost = excluded.energy_cost,
			travel_time_ms = excluded.travel_time_ms,
			bidirectional = excluded.bidirectional,
			status = excluded.status,
			restrictions = excluded.restrictions,
			owner_id = excluded.owner_id`,
		g.ID, g.Name, string(g.Kind), g.SourceRegionID, g.SourceSector, g.DestRegionID, g.DestSector,
		g.EnergyCost, g.TravelTime.Milliseconds(), boolInt(g.Bidirectional), string(g.Status),
		string(restrictions), g.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("put gate %s: %w", g.ID, err)
	}
	return nil
}

func (t *Tx) Gates(ctx context.Context) ([]warpgate.Gate, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+gateColumns+` FROM gates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()
	var out []warpgate.Gate
	for rows.Next() {
		var (
			g                   warpgate.Gate
			kind, status, restr string
			travelMs            int64
			bidirectional       int
		)
		if err := rows.Scan(&g.ID, &g.Name, &kind, &g.SourceRegionID, &g.SourceSector, &g.DestRegionID,
			&g.DestSector, &g.EnergyCost, &travelMs, &bidirectional, &status, &restr, &g.OwnerID); err != nil {
			return nil, fmt.Errorf("scan gate: %w", err)
		}
		g.Kind = warpgate.Kind(kind)
		g.Status = warpgate.Status(status)
		g.TravelTime = time.Duration(travelMs) * time.Millisecond
		g.Bidirectional = bidirectional == 1
		if err := json.Unmarshal([]byte(restr), &g.Restrictions); err != nil {
			return nil, fmt.Errorf("decode gate %s restrictions: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) Gates(ctx context.Context) ([]warpgate.Gate, error) {
	return s.read().Gates(ctx)
}

const travelColumns = `id, player_id, source_region_id, dest_region_id, status, route, cost, reason,
	ticket_digest, authorized_until, departed_at, arrival_at, completed_at, manifest, created_at, updated_at`

func travelArgs(rec travel.Record) ([]any, error) {
	route, err := json.Marshal(rec.Route)
	if err != nil {
		return nil, fmt.Errorf("encode route: %w", err)
	}
	return []any{
		rec.ID, rec.PlayerID, rec.SourceRegionID, rec.DestRegionID, string(rec.Status), string(route),
		rec.Cost, rec.Reason, rec.TicketDigest, toMillis(rec.AuthorizedUntil), toMillis(rec.DepartedAt),
		toMillis(rec.ArrivalAt), toMillis(rec.CompletedAt), rec.Manifest, toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	}, nil
}

func scanTravel(row scanner) (travel.Record, error) {
	var (
		rec                                 travel.Record
		status, route                       string
		until, departed, arrival, completed int64
		created, updated                    int64
	)
	err := row.Scan(&rec.ID, &rec.PlayerID, &rec.SourceRegionID, &rec.DestRegionID, &status, &route,
		&rec.Cost, &rec.Reason, &rec.TicketDigest, &until, &departed, &arrival, &completed,
		&rec.Manifest, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return travel.Record{}, travel.ErrNotFound
	}
	if err != nil {
		return travel.Record{}, fmt.Errorf("scan travel: %w", err)
	}
	if err := json.Unmarshal([]byte(route), &rec.Route); err != nil {
		return travel.Record{}, fmt.Errorf("decode route: %w", err)
	}
	rec.Status = travel.Status(status)
	rec.AuthorizedUntil = fromMillis(until)
	rec.DepartedAt = fromMillis(departed)
	rec.ArrivalAt = fromMillis(arrival)
	rec.CompletedAt = fromMillis(completed)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (t *Tx) CreateTravel(ctx context.Context, rec travel.Record) error {
	args, err := travelArgs(rec)
	if err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `INSERT INTO travels (`+travelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return fmt.Errorf("insert travel: %w", err)
	}
	return nil
}

func (t *Tx) UpdateTravel(ctx context.Context, rec travel.Record) error {
	args, err := travelArgs(rec)
	if err != nil {
		return err
	}
	// id goes last for the WHERE clause.
	args = append(args[1:], rec.ID)
	res, err := t.q.ExecContext(ctx, `UPDATE travels SET
		player_id = ?, source_region_id = ?, dest_region_id = ?, status = ?, route = ?, cost = ?,
		reason = ?, ticket_digest = ?, authorized_until = ?, departed_at = ?, arrival_at = ?,
		completed_at = ?, manifest = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update travel: %w", err)
	}
	return mustAffect(res, travel.ErrNotFound)
}

func (t *Tx) Travel(ctx context.Context, travelID string) (travel.Record, error) {
	return scanTravel(t.q.QueryRowContext(ctx, `SELECT `+travelColumns+` FROM travels WHERE id = ?`, travelID))
}

func (t *Tx) OpenTravel(ctx context.Context, playerID string) (travel.Record, bool, error) {
	rec, err := scanTravel(t.q.QueryRowContext(ctx, `SELECT `+travelColumns+` FROM travels
		WHERE player_id = ? AND status IN (?, ?) ORDER BY created_at DESC LIMIT 1`,
		playerID, string(travel.StatusAuthorized), string(travel.StatusInTransit)))
	if errors.Is(err, travel.ErrNotFound) {
		return travel.Record{}, false, nil
	}
	if err != nil {
		return travel.Record{}, false, err
	}
	return rec, true, nil
}

func (t *Tx) travelsWhere(ctx context.Context, where string, args ...any) ([]travel.Record, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+travelColumns+` FROM travels WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list travels: %w", err)
	}
	defer rows.Close()
	var out []travel.Record
	for rows.Next() {
		rec, err := scanTravel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *Tx) ExpiredAuthorizations(ctx context.Context, now time.Time) ([]travel.Record, error) {
	return t.travelsWhere(ctx, `status = ? AND authorized_until <= ? ORDER BY created_at, id`,
		string(travel.StatusAuthorized), toMillis(now))
}

func (t *Tx) DueArrivals(ctx context.Context, now time.Time) ([]travel.Record, error) {
	return t.travelsWhere(ctx, `status = ? AND arrival_at <= ? ORDER BY arrival_at, id`,
		string(travel.StatusInTransit), toMillis(now))
}

// TravelsForPlayer lists a player's journeys, newest first.
func (t *Tx) TravelsForPlayer(ctx context.Context, playerID string, limit int) ([]travel.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	return t.travelsWhere(ctx, `player_id = ? ORDER BY created_at DESC, id LIMIT ?`, playerID, limit)
}

// AppendAudit seals e onto the end of the chain and stores it.
func (t *Tx) AppendAudit(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	var prev string
	err := t.q.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, fmt.Errorf("load audit head: %w", err)
	}
	if e.At.IsZero() {
		e.At = t.now()
	}
	e.At = e.At.UTC()
	e = audit.Seal(prev, e)
	res, err := t.q.ExecContext(ctx, `INSERT INTO audit_log (at, kind, subject, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?)`, e.At.UnixNano(), e.Kind, e.Subject, e.Payload, e.PrevHash, e.Hash)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

func (t *Tx) AuditEntries(ctx context.Context) ([]audit.Entry, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT seq, at, kind, subject, payload, prev_hash, hash
		FROM audit_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var (
			e  audit.Entry
			at int64
		)
		if err := rows.Scan(&e.Seq, &at, &e.Kind, &e.Subject, &e.Payload, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
