// Package region models player-ownable galaxy shards, their memberships, and
// who may do what inside them.
package region

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("region: not found")
	ErrInvalid           = errors.New("region: invalid")
	ErrReservedName      = errors.New("region: name is reserved")
	ErrInvalidTransition = errors.New("region: invalid status transition")
)

// NexusName is the name of the shared hub region connecting every other region.
const NexusName = "central-nexus"

type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

type GovernanceType string

const (
	GovernanceAutocracy GovernanceType = "autocracy"
	GovernanceDemocracy GovernanceType = "democracy"
	GovernanceCouncil   GovernanceType = "council"
)

type Region struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	DisplayName      string         `json:"displayName"`
	OwnerID          string         `json:"ownerId,omitempty"`
	Status           Status         `json:"status"`
	Governance       GovernanceType `json:"governanceType"`
	TaxRate          float64        `json:"taxRate"`
	VotingThreshold  float64        `json:"votingThreshold"`
	StartingCredits  int64          `json:"startingCredits"`
	StartingShip     string         `json:"startingShip"`
	TotalSectors     int            `json:"totalSectors"`
	NexusGateSector  int            `json:"nexusGateSector,omitempty"`
	SubscriptionTier string         `json:"subscriptionTier"`
	TradeVolume      int64          `json:"totalTradeVolume"`
	Treasury         int64          `json:"treasury"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Defaults returns a region carrying the platform's standard settings.
func Defaults(name string) Region {
	return Region{
		Name:             name,
		DisplayName:      name,
		Status:           StatusPending,
		Governance:       GovernanceAutocracy,
		TaxRate:          0.10,
		VotingThreshold:  0.51,
		StartingCredits:  1000,
		StartingShip:     "scout",
		TotalSectors:     500,
		SubscriptionTier: "standard",
	}
}

func (r Region) IsNexus() bool { return r.Name == NexusName }

// IsActive reports whether players may enter the region. The nexus never closes.
func (r Region) IsActive() bool {
	return r.IsNexus() || r.Status == StatusActive
}

// Validate checks the region against the platform's bounds.
func (r Region) Validate() error {
	if !r.IsNexus() {
		if err := ValidateName(r.Name); err != nil {
			return err
		}
	}
	if strings.TrimSpace(r.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalid)
	}
	switch r.Status {
	case StatusPending, StatusActive, StatusSuspended, StatusTerminated:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, r.Status)
	}
	switch r.Governance {
	case GovernanceAutocracy, GovernanceDemocracy, GovernanceCouncil:
	default:
		return fmt.Errorf("%w: unknown governance type %q", ErrInvalid, r.Governance)
	}
	if r.TaxRate < 0.05 || r.TaxRate > 0.25 {
		return fmt.Errorf("%w: tax rate %.4f outside [0.05, 0.25]", ErrInvalid, r.TaxRate)
	}
	if r.VotingThreshold < 0.1 || r.VotingThreshold > 0.9 {
		return fmt.Errorf("%w: voting threshold %.2f outside [0.1, 0.9]", ErrInvalid, r.VotingThreshold)
	}
	if r.StartingCredits < 100 {
		return fmt.Errorf("%w: starting credits %d below 100", ErrInvalid, r.StartingCredits)
	}
	if !r.IsNexus() && (r.TotalSectors < 100 || r.TotalSectors > 1000) {
		return fmt.Errorf("%w: total sectors %d outside [100, 1000]", ErrInvalid, r.TotalSectors)
	}
	return nil
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,62}$`)

var reservedNames = map[string]struct{}{
	NexusName:    {},
	"admin":      {},
	"api":        {},
	"system":     {},
	"default":    {},
	"test":       {},
	"staging":    {},
	"production": {},
}

func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q must be 3-63 letters, digits, '-' or '_'", ErrInvalid, name)
	}
	if _, ok := reservedNames[strings.ToLower(name)]; ok {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return nil
}

// Transition moves a region to the next status.
func (r *Region) Transition(next Status) error {
	if !CanTransition(r.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusTerminated
	case StatusActive:
		return to == StatusSuspended || to == StatusTerminated
	case StatusSuspended:
		return to == StatusActive || to == StatusTerminated
	}
	return false
}
