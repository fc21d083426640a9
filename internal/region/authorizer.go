package region

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Directory is the read side the authorizer needs.
type Directory interface {
	Player(ctx context.Context, playerID string) (Player, error)
	Region(ctx context.Context, regionID string) (Region, error)
	Membership(ctx context.Context, playerID, regionID string) (Membership, error)
	Memberships(ctx context.Context, playerID string) ([]Membership, error)
	Regions(ctx context.Context) ([]Region, error)
}

const DefaultCacheTTL = 15 * time.Minute

// Authorizer answers permission questions for players in regions. Positive
// answers are cached per player and region.
type Authorizer struct {
	dir Directory
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	perms   map[Permission]struct{}
	expires time.Time
}

func NewAuthorizer(dir Directory, ttl time.Duration) *Authorizer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Authorizer{
		dir:   dir,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

func cacheKey(playerID, regionID string) string { return playerID + ":" + regionID }

// Check reports whether the player holds perm in the region.
func (a *Authorizer) Check(ctx context.Context, playerID, regionID string, perm Permission) (bool, error) {
	key := cacheKey(playerID, regionID)
	a.mu.Lock()
	if e, ok := a.cache[key]; ok && a.now().Before(e.expires) {
		_, hit := e.perms[perm]
		_, full := e.perms[GalaxyAdminFull]
		if hit || full {
			a.mu.Unlock()
			return true, nil
		}
	}
	a.mu.Unlock()

	p, err := a.dir.Player(ctx, playerID)
	if err != nil {
		if errors.Is(err, ErrPlayerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load player: %w", err)
	}

	if p.PlatformAdmin {
		a.remember(key, perm)
		return true, nil
	}

	if p.GalacticCitizen {
		if _, ok := galacticCitizenPermissions[perm]; ok {
			a.remember(key, perm)
			return true, nil
		}
	}

	m, err := a.dir.Membership(ctx, playerID, regionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load membership: %w", err)
	}
	r, err := a.dir.Region(ctx, regionID)
	if err != nil {
		return false, fmt.Errorf("load region: %w", err)
	}
	if _, ok := PermissionsFor(RoleFor(r, m), regionID)[perm]; ok {
		a.remember(key, perm)
		return true, nil
	}
	return false, nil
}

func (a *Authorizer) remember(key string, perm Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.cache[key]
	if !ok || !a.now().Before(e.expires) {
		e = cacheEntry{perms: make(map[Permission]struct{})}
	}
	e.perms[perm] = struct{}{}
	e.expires = a.now().Add(a.ttl)
	a.cache[key] = e
}

// Invalidate drops every cached answer for the player. Call it after
// citizenship, rank, or membership changes.
func (a *Authorizer) Invalidate(playerID string) {
	prefix := playerID + ":"
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.cache {
		if strings.HasPrefix(k, prefix) {
			delete(a.cache, k)
		}
	}
}

type AccessibleRegion struct {
	RegionID       string         `json:"regionId"`
	Name           string         `json:"regionName"`
	DisplayName    string         `json:"displayName"`
	MembershipType MembershipType `json:"membershipType"`
	Role           Role           `json:"role"`
	Reputation     int            `json:"reputation"`
	CanVote        bool           `json:"canVote"`
}

// AccessibleRegions lists the regions a player may enter with their role in
// each. Galactic citizens see every active region.
func (a *Authorizer) AccessibleRegions(ctx context.Context, playerID string) ([]AccessibleRegion, error) {
	p, err := a.dir.Player(ctx, playerID)
	if err != nil {
		return nil, err
	}
	members, err := a.dir.Memberships(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}

	seen := make(map[string]struct{}, len(members))
	out := make([]AccessibleRegion, 0, len(members))
	for _, m := range members {
		r, err := a.dir.Region(ctx, m.RegionID)
		if err != nil {
			return nil, fmt.Errorf("load region %s: %w", m.RegionID, err)
		}
		seen[r.ID] = struct{}{}
		out = append(out, AccessibleRegion{
			RegionID:       r.ID,
			Name:           r.Name,
			DisplayName:    r.DisplayName,
			MembershipType: m.Type,
			Role:           RoleFor(r, m),
			Reputation:     m.Reputation,
			CanVote:        m.CanVote(),
		})
	}

	if p.GalacticCitizen {
		all, err := a.dir.Regions(ctx)
		if err != nil {
			return nil, fmt.Errorf("load regions: %w", err)
		}
		for _, r := range all {
			if _, ok := seen[r.ID]; ok || !r.IsActive() {
				continue
			}
			out = append(out, AccessibleRegion{
				RegionID:       r.ID,
				Name:           r.Name,
				DisplayName:    r.DisplayName,
				MembershipType: "galactic_citizen",
				Role:           RoleGalacticCitizen,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
