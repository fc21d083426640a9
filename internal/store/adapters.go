package store

import (
	"context"

	"github.com/example/sectorwars/internal/assets"
	"github.com/example/sectorwars/internal/market"
	"github.com/example/sectorwars/internal/region"
	"github.com/example/sectorwars/internal/travel"
)

// Holdings and PutHoldings route through the owning region's scope so the
// services can work across two regions in one transaction.
func (t *Tx) Holdings(ctx context.Context, regionID, playerID string) (assets.Holdings, error) {
	return t.Scope(regionID).Holdings(ctx, playerID)
}

func (t *Tx) PutHoldings(ctx context.Context, h assets.Holdings) error {
	return t.Scope(h.RegionID).PutHoldings(ctx, h)
}

func (t *Tx) Ports(ctx context.Context, regionID string) ([]market.Port, error) {
	return t.Scope(regionID).Ports(ctx)
}

func (t *Tx) Port(ctx context.Context, regionID, portID string) (market.Port, error) {
	return t.Scope(regionID).Port(ctx, portID)
}

func (t *Tx) PutPort(ctx context.Context, p market.Port) error {
	return t.Scope(p.RegionID).PutPort(ctx, p)
}

type travelStore struct{ s *Store }

func (ts travelStore) Atomically(ctx context.Context, fn func(travel.Tx) error) error {
	return ts.s.WithTx(ctx, func(tx *Tx) error { return fn(tx) })
}

// ForTravel exposes the store to the travel service.
func (s *Store) ForTravel() travel.Store { return travelStore{s} }

type marketStore struct{ s *Store }

func (ms marketStore) Atomically(ctx context.Context, fn func(market.Tx) error) error {
	return ms.s.WithTx(ctx, func(tx *Tx) error { return fn(tx) })
}

// ForMarket exposes the store to the market service.
func (s *Store) ForMarket() market.Store { return marketStore{s} }

var (
	_ travel.Tx        = (*Tx)(nil)
	_ market.Tx        = (*Tx)(nil)
	_ region.Directory = (*Store)(nil)
)
