package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/sectorwars/internal/region"
)

const playerColumns = `id, user_id, name, home_region_id, COALESCE(current_region_id, ''),
	galactic_citizen, platform_admin, created_at`

func scanPlayer(row scanner) (region.Player, error) {
	var (
		p              region.Player
		citizen, admin int
		created        int64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.HomeRegionID, &p.CurrentRegionID, &citizen, &admin, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return region.Player{}, region.ErrPlayerNotFound
	}
	if err != nil {
		return region.Player{}, fmt.Errorf("scan player: %w", err)
	}
	p.GalacticCitizen = citizen == 1
	p.PlatformAdmin = admin == 1
	p.CreatedAt = fromMillis(created)
	return p, nil
}

// CreatePlayer inserts a player. One player per user; a second is ErrConflict.
func (t *Tx) CreatePlayer(ctx context.Context, p region.Player) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO players (
		id, user_id, name, home_region_id, current_region_id, galactic_citizen, platform_admin, created_at
	) VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.HomeRegionID, p.CurrentRegionID,
		boolInt(p.GalacticCitizen), boolInt(p.PlatformAdmin), toMillis(p.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: user %s already has a player", ErrConflict, p.UserID)
		}
		return fmt.Errorf("insert player: %w", err)
	}
	return nil
}

func (t *Tx) Player(ctx context.Context, playerID string) (region.Player, error) {
	return scanPlayer(t.q.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE id = ?`, playerID))
}

func (t *Tx) PlayerByUser(ctx context.Context, userID string) (region.Player, error) {
	return scanPlayer(t.q.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE user_id = ?`, userID))
}

// SetPlayerRegion moves the player. An empty regionID means in transit.
func (t *Tx) SetPlayerRegion(ctx context.Context, playerID, regionID string) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE players SET current_region_id = NULLIF(?, '') WHERE id = ?`, regionID, playerID)
	if err != nil {
		return fmt.Errorf("set player region: %w", err)
	}
	return mustAffect(res, region.ErrPlayerNotFound)
}

func (t *Tx) SetGalacticCitizen(ctx context.Context, playerID string, citizen bool) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE players SET galactic_citizen = ? WHERE id = ?`, boolInt(citizen), playerID)
	if err != nil {
		return fmt.Errorf("set galactic citizen: %w", err)
	}
	return mustAffect(res, region.ErrPlayerNotFound)
}

func (t *Tx) SetPlatformAdmin(ctx context.Context, playerID string, admin bool) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE players SET platform_admin = ? WHERE id = ?`, boolInt(admin), playerID)
	if err != nil {
		return fmt.Errorf("set platform admin: %w", err)
	}
	return mustAffect(res, region.ErrPlayerNotFound)
}

const membershipColumns = `player_id, region_id, membership_type, reputation, local_rank,
	voting_power, joined_at, last_visit, total_visits`

func scanMembership(row scanner) (region.Membership, error) {
	var (
		m             region.Membership
		kind          string
		joined, visit int64
	)
	err := row.Scan(&m.PlayerID, &m.RegionID, &kind, &m.Reputation, &m.LocalRank,
		&m.VotingPower, &joined, &visit, &m.TotalVisits)
	if errors.Is(err, sql.ErrNoRows) {
		return region.Membership{}, region.ErrNotFound
	}
	if err != nil {
		return region.Membership{}, fmt.Errorf("scan membership: %w", err)
	}
	m.Type = region.MembershipType(kind)
	m.JoinedAt = fromMillis(joined)
	m.LastVisit = fromMillis(visit)
	return m, nil
}

// PutMembership inserts or replaces the membership for (player, region).
func (t *Tx) PutMembership(ctx context.Context, m region.Membership) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `INSERT INTO memberships (`+membershipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (player_id, region_id) DO UPDATE SET
			membership_type = excluded.membership_type,
			reputation = excluded.reputation,
			local_rank = excluded.local_rank,
			voting_power = excluded.voting_power,
			last_visit = excluded.last_visit,
			total_visits = excluded.total_visits`,
		m.PlayerID, m.RegionID, string(m.Type), m.Reputation, m.LocalRank,
		m.VotingPower, toMillis(m.JoinedAt), toMillis(m.LastVisit), m.TotalVisits,
	)
	if err != nil {
		return fmt.Errorf("put membership: %w", err)
	}
	return nil
}

func (t *Tx) Membership(ctx context.Context, playerID, regionID string) (region.Membership, error) {
	return scanMembership(t.q.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE player_id = ? AND region_id = ?`,
		playerID, regionID))
}

func (t *Tx) Memberships(ctx context.Context, playerID string) ([]region.Membership, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE player_id = ? ORDER BY region_id`, playerID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()
	var out []region.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordVisit counts a visit, creating a visitor membership on first arrival.
func (t *Tx) RecordVisit(ctx context.Context, playerID, regionID string, at time.Time) error {
	m := region.NewVisitor(playerID, regionID, at.UTC())
	m.TotalVisits = 1
	_, err := t.q.ExecContext(ctx, `INSERT INTO memberships (`+membershipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (player_id, region_id) DO UPDATE SET
			last_visit = excluded.last_visit,
			total_visits = memberships.total_visits + 1`,
		m.PlayerID, m.RegionID, string(m.Type), m.Reputation, m.LocalRank,
		m.VotingPower, toMillis(m.JoinedAt), toMillis(m.LastVisit), m.TotalVisits,
	)
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	return nil
}

func (t *Tx) CreateTreaty(ctx context.Context, tr region.Treaty) error {
	if err := tr.Validate(); err != nil {
		return err
	}
	a, b := region.OrderedPair(tr.RegionA, tr.RegionB)
	var expires any
	if tr.ExpiresAt != nil {
		expires = toMillis(*tr.ExpiresAt)
	}
	_, err := t.q.ExecContext(ctx, `INSERT INTO treaties (
		id, region_a, region_b, treaty_type, signed_at, expires_at, status
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, a, b, string(tr.Type), toMillis(tr.SignedAt), expires, tr.Status,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %s treaty already exists", ErrConflict, tr.Type)
		}
		return fmt.Errorf("insert treaty: %w", err)
	}
	return nil
}

func (t *Tx) TreatyActive(ctx context.Context, a, b string, kind region.TreatyType, at time.Time) (bool, error) {
	a, b = region.OrderedPair(a, b)
	var (
		tr      region.Treaty
		signed  int64
		expires sql.NullInt64
		typ     string
	)
	err := t.q.QueryRowContext(ctx, `SELECT id, region_a, region_b, treaty_type, signed_at, expires_at, status
		FROM treaties WHERE region_a = ? AND region_b = ? AND treaty_type = ?`,
		a, b, string(kind),
	).Scan(&tr.ID, &tr.RegionA, &tr.RegionB, &typ, &signed, &expires, &tr.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load treaty: %w", err)
	}
	tr.Type = region.TreatyType(typ)
	tr.SignedAt = fromMillis(signed)
	if expires.Valid {
		e := fromMillis(expires.Int64)
		tr.ExpiresAt = &e
	}
	return tr.ActiveAt(at), nil
}

func (s *Store) Player(ctx context.Context, playerID string) (region.Player, error) {
	return s.read().Player(ctx, playerID)
}

func (s *Store) PlayerByUser(ctx context.Context, userID string) (region.Player, error) {
	return s.read().PlayerByUser(ctx, userID)
}

func (s *Store) Membership(ctx context.Context, playerID, regionID string) (region.Membership, error) {
	return s.read().Membership(ctx, playerID, regionID)
}

func (s *Store) Memberships(ctx context.Context, playerID string) ([]region.Membership, error) {
	return s.read().Memberships(ctx, playerID)
}
