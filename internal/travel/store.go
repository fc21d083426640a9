package travel

import (
	"context"
	"time"

	"github.com/example/sectorwars/internal/assets"
	"github.com/example/sectorwars/internal/audit"
	"github.com/example/sectorwars/internal/region"
)

// Store runs fn in one transaction; fn's error rolls everything back.
type Store interface {
	Atomically(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view the travel service works through. Holdings
// calls are scoped to the named region.
type Tx interface {
	Player(ctx context.Context, playerID string) (region.Player, error)
	SetPlayerRegion(ctx context.Context, playerID, regionID string) error
	Region(ctx context.Context, regionID string) (region.Region, error)
	Membership(ctx context.Context, playerID, regionID string) (region.Membership, error)
	RecordVisit(ctx context.Context, playerID, regionID string, at time.Time) error
	AdjustTreasury(ctx context.Context, regionID string, delta int64) error
	TreatyActive(ctx context.Context, a, b string, kind region.TreatyType, at time.Time) (bool, error)

	Holdings(ctx context.Context, regionID, playerID string) (assets.Holdings, error)
	PutHoldings(ctx context.Context, h assets.Holdings) error

	CreateTravel(ctx context.Context, rec Record) error
	UpdateTravel(ctx context.Context, rec Record) error
	Travel(ctx context.Context, travelID string) (Record, error)
	OpenTravel(ctx context.Context, playerID string) (Record, bool, error)
	ExpiredAuthorizations(ctx context.Context, now time.Time) ([]Record, error)
	DueArrivals(ctx context.Context, now time.Time) ([]Record, error)
	TravelsForPlayer(ctx context.Context, playerID string, limit int) ([]Record, error)

	AppendAudit(ctx context.Context, e audit.Entry) (audit.Entry, error)
	AuditEntries(ctx context.Context) ([]audit.Entry, error)
}
