package region

import (
	"fmt"
	"time"
)

type MembershipType string

const (
	MembershipVisitor  MembershipType = "visitor"
	MembershipResident MembershipType = "resident"
	MembershipCitizen  MembershipType = "citizen"
)

func (t MembershipType) Valid() bool {
	switch t {
	case MembershipVisitor, MembershipResident, MembershipCitizen:
		return true
	}
	return false
}

// Local ranks an owner can hand out inside a region.
const (
	RankAdministrator = "administrator"
	RankModerator     = "moderator"
	RankBanned        = "banned"
)

const (
	MinReputation  = -1000
	MaxReputation  = 1000
	MaxVotingPower = 5.0
)

type Membership struct {
	PlayerID    string         `json:"playerId"`
	RegionID    string         `json:"regionId"`
	Type        MembershipType `json:"membershipType"`
	Reputation  int            `json:"reputation"`
	LocalRank   string         `json:"localRank,omitempty"`
	VotingPower float64        `json:"votingPower"`
	JoinedAt    time.Time      `json:"joinedAt"`
	LastVisit   time.Time      `json:"lastVisit"`
	TotalVisits int            `json:"totalVisits"`
}

func NewVisitor(playerID, regionID string, now time.Time) Membership {
	return Membership{
		PlayerID:    playerID,
		RegionID:    regionID,
		Type:        MembershipVisitor,
		VotingPower: 1.0,
		JoinedAt:    now,
		LastVisit:   now,
	}
}

func (m Membership) Validate() error {
	if m.PlayerID == "" || m.RegionID == "" {
		return fmt.Errorf("%w: membership needs player and region", ErrInvalid)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown membership type %q", ErrInvalid, m.Type)
	}
	switch m.LocalRank {
	case "", RankAdministrator, RankModerator, RankBanned:
	default:
		return fmt.Errorf("%w: unknown local rank %q", ErrInvalid, m.LocalRank)
	}
	if m.Reputation < MinReputation || m.Reputation > MaxReputation {
		return fmt.Errorf("%w: reputation %d outside [%d, %d]", ErrInvalid, m.Reputation, MinReputation, MaxReputation)
	}
	if m.VotingPower < 0 || m.VotingPower > MaxVotingPower {
		return fmt.Errorf("%w: voting power %.2f outside [0, %.0f]", ErrInvalid, m.VotingPower, MaxVotingPower)
	}
	return nil
}

// AdjustReputation applies change, clamped to the reputation bounds.
func (m *Membership) AdjustReputation(change int) {
	m.Reputation = max(MinReputation, min(MaxReputation, m.Reputation+change))
}

func (m Membership) CanVote() bool {
	return (m.Type == MembershipCitizen || m.Type == MembershipResident) && m.VotingPower > 0
}

func (m Membership) Banned() bool { return m.LocalRank == RankBanned }
