package region

import (
	"errors"
	"time"
)

var ErrPlayerNotFound = errors.New("player: not found")

// Player is the platform-wide identity behind a user. Region-owned state
// (credits, cargo, ships) lives in holdings scoped to a region.
type Player struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Name            string    `json:"name"`
	HomeRegionID    string    `json:"homeRegionId"`
	CurrentRegionID string    `json:"currentRegionId"`
	GalacticCitizen bool      `json:"galacticCitizen"`
	PlatformAdmin   bool      `json:"platformAdmin"`
	CreatedAt       time.Time `json:"createdAt"`
}
