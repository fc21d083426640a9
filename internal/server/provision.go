package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"

	"github.com/example/sectorwars/internal/assets"
	"github.com/example/sectorwars/internal/auth"
	"github.com/example/sectorwars/internal/nexus"
	"github.com/example/sectorwars/internal/region"
	"github.com/example/sectorwars/internal/store"
	"github.com/example/sectorwars/internal/warpgate"
)

// RegionRequest is what an administrator supplies to open a region. Zero
// values take the platform defaults.
type RegionRequest struct {
	Name            string                `json:"name"`
	DisplayName     string                `json:"displayName"`
	OwnerID         string                `json:"ownerId"`
	Governance      region.GovernanceType `json:"governanceType"`
	TaxRate         float64               `json:"taxRate"`
	StartingCredits int64                 `json:"startingCredits"`
	StartingShip    string                `json:"startingShip"`
	TotalSectors    int                   `json:"totalSectors"`
}

func (req RegionRequest) region() region.Region {
	r := region.Defaults(strings.TrimSpace(req.Name))
	if req.DisplayName != "" {
		r.DisplayName = req.DisplayName
	}
	r.OwnerID = req.OwnerID
	if req.Governance != "" {
		r.Governance = req.Governance
	}
	if req.TaxRate != 0 {
		r.TaxRate = req.TaxRate
	}
	if req.StartingCredits != 0 {
		r.StartingCredits = req.StartingCredits
	}
	if req.StartingShip != "" {
		r.StartingShip = req.StartingShip
	}
	if req.TotalSectors != 0 {
		r.TotalSectors = req.TotalSectors
	}
	return r
}

// ProvisionRegion creates an active region, claims a Gateway Plaza sector
// for its platform gate pair, makes the owner a citizen, seeds its ports and
// reloads the gate network.
func (gs *GameServer) ProvisionRegion(ctx context.Context, req RegionRequest) (region.Region, error) {
	r := req.region()
	if err := r.Validate(); err != nil {
		return region.Region{}, err
	}
	nexusID := gs.nexus()
	if nexusID == "" {
		return region.Region{}, fmt.Errorf("%w: nexus not initialised", region.ErrNotFound)
	}
	now := gs.now().UTC()
	r.ID = uuid.NewString()
	r.Status = region.StatusActive
	r.CreatedAt, r.UpdatedAt = now, now

	err := gs.store.WithTx(ctx, func(tx *store.Tx) error {
		if r.OwnerID != "" {
			if _, err := tx.Player(ctx, r.OwnerID); err != nil {
				return err
			}
		}
		used, err := tx.GateSectors(ctx)
		if err != nil {
			return err
		}
		if r.NexusGateSector, err = nexus.AllocateGateSector(used); err != nil {
			return err
		}
		if err := tx.CreateRegion(ctx, r); err != nil {
			return err
		}
		for _, g := range warpgate.PlatformPair(r.ID, nexusID, regionGateEntry, r.NexusGateSector) {
			if err := tx.PutGate(ctx, g); err != nil {
				return err
			}
		}
		if r.OwnerID == "" {
			return nil
		}
		m := region.NewVisitor(r.OwnerID, r.ID, now)
		m.Type = region.MembershipCitizen
		return tx.PutMembership(ctx, m)
	})
	if err != nil {
		return region.Region{}, fmt.Errorf("provision region %s: %w", r.Name, err)
	}

	if _, err := gs.market.Seed(ctx, r, seedFor(r.ID)); err != nil {
		return region.Region{}, err
	}
	if err := gs.RefreshNetwork(ctx); err != nil {
		return region.Region{}, err
	}
	if r.OwnerID != "" {
		gs.authz.Invalidate(r.OwnerID)
	}
	gs.log.Info().Str("region_id", r.ID).Str("name", r.Name).Int("gate_sector", r.NexusGateSector).Msg("region provisioned")
	return r, nil
}

func seedFor(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64() >> 1)
}

type RegisterRequest struct {
	Name string `json:"name"`
	// Home is a region ID or name. Empty means the Central Nexus.
	Home string `json:"homeRegion"`
}

// RegisterPlayer creates the caller's player with starting holdings in the
// home region. Players homed outside the nexus join it as residents.
func (gs *GameServer) RegisterPlayer(ctx context.Context, claims *auth.UserClaims, req RegisterRequest) (region.Player, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = claims.Username
	}
	if name == "" {
		return region.Player{}, fmt.Errorf("%w: player name is required", errBadRequest)
	}
	homeID := gs.nexus()
	if req.Home != "" {
		id, err := gs.resolveRegion(ctx, req.Home)
		if err != nil {
			return region.Player{}, err
		}
		homeID = id
	}
	home, err := gs.store.Region(ctx, homeID)
	if err != nil {
		return region.Player{}, err
	}
	if !home.IsActive() {
		return region.Player{}, fmt.Errorf("%w: region %s is %s", errForbidden, home.Name, home.Status)
	}

	now := gs.now().UTC()
	p := region.Player{
		ID:              uuid.NewString(),
		UserID:          claims.Subject,
		Name:            name,
		HomeRegionID:    home.ID,
		CurrentRegionID: home.ID,
		PlatformAdmin:   claims.Admin,
		CreatedAt:       now,
	}
	err = gs.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreatePlayer(ctx, p); err != nil {
			return err
		}
		h := assets.NewHoldings(p.ID, home.ID)
		h.Credits = home.StartingCredits
		h.Ship, h.ShipHold = home.StartingShip, startingHold
		if err := tx.PutHoldings(ctx, h); err != nil {
			return err
		}
		if home.IsNexus() {
			return nil
		}
		m := region.NewVisitor(p.ID, home.ID, now)
		m.Type = region.MembershipResident
		return tx.PutMembership(ctx, m)
	})
	if err != nil {
		return region.Player{}, fmt.Errorf("register player: %w", err)
	}
	gs.log.Info().Str("player_id", p.ID).Str("home", home.Name).Msg("player registered")
	return p, nil
}

// resolveRegion accepts either a region ID or a region name.
func (gs *GameServer) resolveRegion(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: region is required", errBadRequest)
	}
	r, err := gs.store.Region(ctx, ref)
	if errors.Is(err, region.ErrNotFound) {
		r, err = gs.store.RegionByName(ctx, ref)
	}
	if err != nil {
		return "", err
	}
	return r.ID, nil
}
