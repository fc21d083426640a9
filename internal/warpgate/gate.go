// Package warpgate holds the inter-region gate network and finds routes
// through it.
package warpgate

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoRoute     = errors.New("warpgate: no route")
	ErrSameRegion  = errors.New("warpgate: source and destination are the same region")
	ErrInvalidGate = errors.New("warpgate: invalid gate")
)

type Kind string

const (
	KindPlatform   Kind = "platform_gate"
	KindPlayer     Kind = "player_gate"
	KindWarpJumper Kind = "warp_jumper"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusMaintenance Status = "maintenance"
	StatusDestroyed   Status = "destroyed"
)

// Platform gate defaults for the region <-> nexus link.
const (
	DefaultEnergyCost = 500
	DefaultTravelTime = 15 * time.Minute
)

type Restrictions struct {
	GalacticCitizenOnly bool `json:"galacticCitizenOnly" toml:"galactic_citizen_only"`
	SecurityScan        bool `json:"securityScan" toml:"security_scan"`
	DiplomaticImmunity  bool `json:"diplomaticImmunity" toml:"diplomatic_immunity"`
}

type Gate struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Kind           Kind          `json:"kind"`
	SourceRegionID string        `json:"sourceRegionId"`
	SourceSector   int           `json:"sourceSector"`
	DestRegionID   string        `json:"destRegionId"`
	DestSector     int           `json:"destSector"`
	EnergyCost     int64         `json:"energyCost"`
	TravelTime     time.Duration `json:"travelTime"`
	Bidirectional  bool          `json:"bidirectional"`
	Status         Status        `json:"status"`
	Restrictions   Restrictions  `json:"restrictions"`
	OwnerID        string        `json:"ownerId,omitempty"`
}

func (g Gate) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidGate)
	}
	if g.SourceRegionID == "" || g.DestRegionID == "" {
		return fmt.Errorf("%w: gate %s needs both endpoints", ErrInvalidGate, g.ID)
	}
	if g.SourceRegionID == g.DestRegionID {
		return fmt.Errorf("%w: gate %s connects a region to itself", ErrInvalidGate, g.ID)
	}
	if g.EnergyCost < 0 {
		return fmt.Errorf("%w: gate %s has negative energy cost", ErrInvalidGate, g.ID)
	}
	if g.TravelTime <= 0 {
		return fmt.Errorf("%w: gate %s needs a positive travel time", ErrInvalidGate, g.ID)
	}
	switch g.Kind {
	case KindPlatform, KindPlayer, KindWarpJumper:
	default:
		return fmt.Errorf("%w: gate %s has unknown kind %q", ErrInvalidGate, g.ID, g.Kind)
	}
	switch g.Status {
	case StatusActive, StatusMaintenance, StatusDestroyed:
	default:
		return fmt.Errorf("%w: gate %s has unknown status %q", ErrInvalidGate, g.ID, g.Status)
	}
	return nil
}

// Traveler carries the attributes gate restrictions look at.
type Traveler struct {
	PlayerID           string
	GalacticCitizen    bool
	DiplomaticImmunity bool
	// Flagged travelers fail security scans.
	Flagged bool
}

// Admits reports whether the traveler may pass through the gate.
func (g Gate) Admits(t Traveler) bool {
	r := g.Restrictions
	if r.GalacticCitizenOnly && !t.GalacticCitizen {
		return false
	}
	if r.SecurityScan && t.Flagged && !(r.DiplomaticImmunity && t.DiplomaticImmunity) {
		return false
	}
	return true
}

// PlatformPair returns the two one-way platform gates linking a region to the
// nexus. They are stored as separate gates so either side can be taken down.
func PlatformPair(regionID, nexusID string, regionSector, nexusSector int) [2]Gate {
	base := Gate{
		Kind:          KindPlatform,
		EnergyCost:    DefaultEnergyCost,
		TravelTime:    DefaultTravelTime,
		Bidirectional: false,
		Status:        StatusActive,
		Restrictions:  Restrictions{SecurityScan: true, DiplomaticImmunity: true},
	}
	out := base
	out.ID = "platform:" + regionID + ":out"
	out.Name = "Nexus Gate (outbound)"
	out.SourceRegionID, out.SourceSector = regionID, regionSector
	out.DestRegionID, out.DestSector = nexusID, nexusSector

	in := base
	in.ID = "platform:" + regionID + ":in"
	in.Name = "Nexus Gate (inbound)"
	in.SourceRegionID, in.SourceSector = nexusID, nexusSector
	in.DestRegionID, in.DestSector = regionID, regionSector
	return [2]Gate{out, in}
}
