// Package travel authorizes and carries out inter-region journeys through the
// warp gate network.
package travel

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/sectorwars/internal/warpgate"
)

var (
	ErrNotFound          = errors.New("travel: not found")
	ErrInvalidTransition = errors.New("travel: invalid transition")
	ErrBadTicket         = errors.New("travel: ticket does not match")
	ErrTicketExpired     = errors.New("travel: authorization expired")
	// ErrNotAuthorized wraps the reason a journey was refused.
	ErrNotAuthorized     = errors.New("travel: not authorized")
)

type Status string

const (
	StatusRequested  Status = "requested"
	StatusAuthorized Status = "authorized"
	StatusInTransit  Status = "in_transit"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusRequested:  {StatusAuthorized, StatusRejected},
	StatusAuthorized: {StatusInTransit, StatusExpired, StatusCancelled},
	StatusInTransit:  {StatusCompleted, StatusFailed, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// Open reports whether the journey still holds the player.
func (s Status) Open() bool { return s == StatusAuthorized || s == StatusInTransit }

type Record struct {
	ID              string         `json:"id"`
	PlayerID        string         `json:"playerId"`
	SourceRegionID  string         `json:"sourceRegionId"`
	DestRegionID    string         `json:"destRegionId"`
	Status          Status         `json:"status"`
	Route           warpgate.Route `json:"route"`
	Cost            int64          `json:"cost"`
	Reason          string         `json:"reason,omitempty"`
	TicketDigest    string         `json:"-"`
	AuthorizedUntil time.Time      `json:"authorizedUntil,omitempty"`
	DepartedAt      time.Time      `json:"departedAt,omitempty"`
	ArrivalAt       time.Time      `json:"arrivalAt,omitempty"`
	CompletedAt     time.Time      `json:"completedAt,omitempty"`
	Manifest        []byte         `json:"-"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (r *Record) transition(to Status, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Ticket is handed to the player on authorization and presented on departure.
type Ticket struct {
	TravelID  string    `json:"travelId"`
	Digest    string    `json:"digest"`
	ExpiresAt time.Time `json:"expiresAt"`
}
