package region

import (
	"fmt"
	"time"
)

type TreatyType string

const (
	TreatyTradeAgreement   TreatyType = "trade_agreement"
	TreatyDefensePact      TreatyType = "defense_pact"
	TreatyNonAggression    TreatyType = "non_aggression"
	TreatyCulturalExchange TreatyType = "cultural_exchange"
)

type Treaty struct {
	ID        string     `json:"id"`
	RegionA   string     `json:"regionA"`
	RegionB   string     `json:"regionB"`
	Type      TreatyType `json:"treatyType"`
	SignedAt  time.Time  `json:"signedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Status    string     `json:"status"`
}

func (t Treaty) Validate() error {
	if t.RegionA == "" || t.RegionB == "" {
		return fmt.Errorf("%w: treaty needs two regions", ErrInvalid)
	}
	if t.RegionA == t.RegionB {
		return fmt.Errorf("%w: treaty regions must differ", ErrInvalid)
	}
	switch t.Type {
	case TreatyTradeAgreement, TreatyDefensePact, TreatyNonAggression, TreatyCulturalExchange:
	default:
		return fmt.Errorf("%w: unknown treaty type %q", ErrInvalid, t.Type)
	}
	return nil
}

// ActiveAt reports whether the treaty binds both regions at the given time.
func (t Treaty) ActiveAt(now time.Time) bool {
	if t.Status != "active" {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

// OrderedPair returns the two region IDs in a canonical order so a treaty
// between A and B is found regardless of who signed first.
func OrderedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
