package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sectorwars/internal/assets"
	"github.com/example/sectorwars/internal/region"
)

var (
	ErrNotFound      = errors.New("market: not found")
	ErrForbidden     = errors.New("market: trading not permitted")
	ErrInvalidOrder  = errors.New("market: invalid order")
	ErrNothingToFill = errors.New("market: order cannot be filled")
	ErrInTransit     = errors.New("market: player is in transit")
)

// PortsPerRegion is how many ports a new region is seeded with.
const PortsPerRegion = 6

type Store interface {
	Atomically(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view the market works through. Port and holdings
// calls are scoped to the named region.
type Tx interface {
	Player(ctx context.Context, playerID string) (region.Player, error)
	Region(ctx context.Context, regionID string) (region.Region, error)
	Regions(ctx context.Context) ([]region.Region, error)
	AdjustTreasury(ctx context.Context, regionID string, delta int64) error
	AddTradeVolume(ctx context.Context, regionID string, delta int64) error

	Ports(ctx context.Context, regionID string) ([]Port, error)
	Port(ctx context.Context, regionID, portID string) (Port, error)
	PutPort(ctx context.Context, p Port) error

	Holdings(ctx context.Context, regionID, playerID string) (assets.Holdings, error)
	PutHoldings(ctx context.Context, h assets.Holdings) error
}

// Checker answers permission questions. *region.Authorizer satisfies it.
type Checker interface {
	Check(ctx context.Context, playerID, regionID string, perm region.Permission) (bool, error)
}

type Service struct {
	store   Store
	checker Checker
	log     zerolog.Logger
}

func NewService(store Store, checker Checker, log zerolog.Logger) *Service {
	return &Service{store: store, checker: checker, log: log}
}

// Order is a buy or sell request at the port the player chooses.
type Order struct {
	PortID string `json:"portId"`
	Good   string `json:"good"`
	Amount int64  `json:"amount"`
}

// Fill is the executed side of an order. Amount may be less than requested.
type Fill struct {
	Order
	Price    int64           `json:"price"`
	Gross    int64           `json:"gross"`
	Tax      int64           `json:"tax"`
	Holdings assets.Holdings `json:"holdings"`
	Port     Port            `json:"port"`
}

// View is what a player sees of the market in their current region.
type View struct {
	RegionID string          `json:"regionId"`
	Ports    []Port          `json:"ports"`
	Holdings assets.Holdings `json:"holdings"`
}

// Seed creates the default ports for a new region.
func (s *Service) Seed(ctx context.Context, r region.Region, seed int64) ([]Port, error) {
	ports := DefaultPorts(r.ID, r.TotalSectors, PortsPerRegion, rand.New(rand.NewSource(seed)))
	err := s.store.Atomically(ctx, func(tx Tx) error {
		for _, p := range ports {
			if err := tx.PutPort(ctx, p); err != nil {
				return fmt.Errorf("seed port %s: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ports, nil
}

func (s *Service) View(ctx context.Context, playerID string) (View, error) {
	var v View
	err := s.store.Atomically(ctx, func(tx Tx) error {
		p, err := tx.Player(ctx, playerID)
		if err != nil {
			return err
		}
		if p.CurrentRegionID == "" {
			return ErrInTransit
		}
		v.RegionID = p.CurrentRegionID
		if v.Ports, err = tx.Ports(ctx, p.CurrentRegionID); err != nil {
			return err
		}
		v.Holdings, err = tx.Holdings(ctx, p.CurrentRegionID, p.ID)
		return err
	})
	return v, err
}

func (s *Service) authorize(ctx context.Context, p region.Player) error {
	if p.CurrentRegionID == "" {
		return ErrInTransit
	}
	ok, err := s.checker.Check(ctx, p.ID, p.CurrentRegionID, region.Trade(p.CurrentRegionID))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	ok, err = s.checker.Check(ctx, p.ID, p.CurrentRegionID, region.CrossRegionalTrade)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func validOrder(o Order) error {
	if o.PortID == "" || o.Good == "" || o.Amount <= 0 {
		return fmt.Errorf("%w: port, good and a positive amount are required", ErrInvalidOrder)
	}
	return nil
}

// Buy fills as much of the order as credits, port stock and free hold allow.
func (s *Service) Buy(ctx context.Context, playerID string, o Order) (Fill, error) {
	if err := validOrder(o); err != nil {
		return Fill{}, err
	}
	var f Fill
	err := s.store.Atomically(ctx, func(tx Tx) error {
		p, err := tx.Player(ctx, playerID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, p); err != nil {
			return err
		}
		port, err := tx.Port(ctx, p.CurrentRegionID, o.PortID)
		if err != nil {
			return err
		}
		h, err := tx.Holdings(ctx, p.CurrentRegionID, p.ID)
		if err != nil {
			return err
		}
		price := port.Prices[o.Good]
		if price <= 0 {
			return fmt.Errorf("%w: %s is not traded at %s", ErrInvalidOrder, o.Good, port.Name)
		}

		amount := min(o.Amount, h.Credits/price, port.Stock[o.Good])
		if h.Ship != "" {
			amount = min(amount, h.ShipHold-h.CargoTotal())
		}
		if amount <= 0 {
			return ErrNothingToFill
		}
		gross := amount * price
		if err := h.Debit(gross); err != nil {
			return err
		}
		h.AddCargo(o.Good, amount, price)
		port.Stock[o.Good] -= amount

		if err := tx.PutHoldings(ctx, h); err != nil {
			return err
		}
		if err := tx.PutPort(ctx, port); err != nil {
			return err
		}
		if err := tx.AddTradeVolume(ctx, p.CurrentRegionID, gross); err != nil {
			return err
		}
		f = Fill{
			Order:    Order{PortID: port.ID, Good: o.Good, Amount: amount},
			Price:    price,
			Gross:    gross,
			Holdings: h,
			Port:     port,
		}
		return nil
	})
	if err != nil {
		return Fill{}, err
	}
	s.log.Debug().Str("player_id", playerID).Str("region_id", f.Port.RegionID).Str("good", f.Good).Int64("amount", f.Amount).Int64("price", f.Price).Msg("buy")
	return f, nil
}

// Sell fills up to the cargo the player owns. The region's tax rate is taken
// from the proceeds and paid into its treasury.
func (s *Service) Sell(ctx context.Context, playerID string, o Order) (Fill, error) {
	if err := validOrder(o); err != nil {
		return Fill{}, err
	}
	var f Fill
	err := s.store.Atomically(ctx, func(tx Tx) error {
		p, err := tx.Player(ctx, playerID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, p); err != nil {
			return err
		}
		r, err := tx.Region(ctx, p.CurrentRegionID)
		if err != nil {
			return err
		}
		port, err := tx.Port(ctx, r.ID, o.PortID)
		if err != nil {
			return err
		}
		h, err := tx.Holdings(ctx, r.ID, p.ID)
		if err != nil {
			return err
		}
		price := port.Prices[o.Good]
		if price <= 0 {
			return fmt.Errorf("%w: %s is not traded at %s", ErrInvalidOrder, o.Good, port.Name)
		}
		amount := h.RemoveCargo(o.Good, o.Amount)
		if amount <= 0 {
			return ErrNothingToFill
		}
		gross := amount * price
		tax := int64(float64(gross) * r.TaxRate)
		h.Credits += gross - tax
		if port.Stock == nil {
			port.Stock = map[string]int64{}
		}
		port.Stock[o.Good] += amount

		if err := tx.PutHoldings(ctx, h); err != nil {
			return err
		}
		if err := tx.PutPort(ctx, port); err != nil {
			return err
		}
		if tax > 0 {
			if err := tx.AdjustTreasury(ctx, r.ID, tax); err != nil {
				return err
			}
		}
		if err := tx.AddTradeVolume(ctx, r.ID, gross); err != nil {
			return err
		}
		f = Fill{
			Order:    Order{PortID: port.ID, Good: o.Good, Amount: amount},
			Price:    price,
			Gross:    gross,
			Tax:      tax,
			Holdings: h,
			Port:     port,
		}
		return nil
	})
	if err != nil {
		return Fill{}, err
	}
	s.log.Debug().Str("player_id", playerID).Str("region_id", f.Port.RegionID).Str("good", f.Good).Int64("amount", f.Amount).Int64("tax", f.Tax).Msg("sell")
	return f, nil
}

// Produce runs one production tick for every active region and returns the
// IDs of regions whose ports changed.
func (s *Service) Produce(ctx context.Context) ([]string, error) {
	start := time.Now()
	var changed []string
	err := s.store.Atomically(ctx, func(tx Tx) error {
		changed = changed[:0]
		regions, err := tx.Regions(ctx)
		if err != nil {
			return err
		}
		for _, r := range regions {
			if !r.IsActive() {
				continue
			}
			ports, err := tx.Ports(ctx, r.ID)
			if err != nil {
				return err
			}
			touched := false
			for i := range ports {
				if !ports[i].Produce() {
					continue
				}
				if err := tx.PutPort(ctx, ports[i]); err != nil {
					return err
				}
				touched = true
			}
			if touched {
				changed = append(changed, r.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Int("regions", len(changed)).Dur("took", time.Since(start)).Msg("production tick")
	return changed, nil
}
