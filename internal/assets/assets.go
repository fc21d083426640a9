// Package assets decides what a player carries between regions and what
// stays behind.
package assets

import (
	"errors"
	"fmt"
	"sort"

	"github.com/example/sectorwars/internal/region"
)

var ErrInsufficientCredits = errors.New("assets: insufficient credits")

// Holdings is everything a player owns inside one region.
type Holdings struct {
	PlayerID  string           `json:"playerId"`
	RegionID  string           `json:"regionId"`
	Credits   int64            `json:"credits"`
	Cargo     map[string]int64 `json:"cargo"`
	CargoCost map[string]int64 `json:"cargoAvgCost"`
	Ship      string           `json:"ship,omitempty"`
	ShipHold  int64            `json:"shipHold"`
	Planets   int              `json:"planets"`
	Ports     int              `json:"ports"`
}

func NewHoldings(playerID, regionID string) Holdings {
	return Holdings{
		PlayerID:  playerID,
		RegionID:  regionID,
		Cargo:     map[string]int64{},
		CargoCost: map[string]int64{},
	}
}

func (h Holdings) CargoTotal() int64 {
	var n int64
	for _, q := range h.Cargo {
		n += q
	}
	return n
}

// Debit removes credits, failing rather than going negative.
func (h *Holdings) Debit(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("assets: negative debit %d", amount)
	}
	if h.Credits < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, h.Credits, amount)
	}
	h.Credits -= amount
	return nil
}

// AddCargo merges qty units bought at unitCost, keeping a weighted average cost.
func (h *Holdings) AddCargo(good string, qty, unitCost int64) {
	if qty <= 0 {
		return
	}
	if h.Cargo == nil {
		h.Cargo = map[string]int64{}
	}
	if h.CargoCost == nil {
		h.CargoCost = map[string]int64{}
	}
	oldQty := h.Cargo[good]
	oldAvg := h.CargoCost[good]
	newQty := oldQty + qty
	h.Cargo[good] = newQty
	h.CargoCost[good] = (oldQty*oldAvg + qty*unitCost) / newQty
}

// RemoveCargo takes up to qty units and returns how many were removed.
func (h *Holdings) RemoveCargo(good string, qty int64) int64 {
	owned := h.Cargo[good]
	if qty > owned {
		qty = owned
	}
	if qty <= 0 {
		return 0
	}
	h.Cargo[good] = owned - qty
	if h.Cargo[good] == 0 {
		delete(h.Cargo, good)
		delete(h.CargoCost, good)
	}
	return qty
}

const (
	DefaultCreditCap int64 = 1_000_000

	ShareCitizen  = 1.0
	ShareResident = 0.75
	ShareVisitor  = 0.5
)

// Rules are the inputs that shape one transfer.
type Rules struct {
	MembershipType  region.MembershipType
	GalacticCitizen bool
	SourceTaxRate   float64
	TradeAgreement  bool
	// CreditCap bounds credits per trip. Zero means DefaultCreditCap.
	CreditCap int64
}

// Manifest is what leaves the source region. Credits + RetainedCredits +
// ExitTax always equals the source credits; likewise per good for cargo.
type Manifest struct {
	Credits         int64            `json:"credits"`
	ExitTax         int64            `json:"exitTax"`
	RetainedCredits int64            `json:"retainedCredits"`
	Cargo           map[string]int64 `json:"cargo"`
	CargoCost       map[string]int64 `json:"cargoAvgCost"`
	RetainedCargo   map[string]int64 `json:"retainedCargo"`
	Ship            string           `json:"ship,omitempty"`
	ShipHold        int64            `json:"shipHold"`
}

func creditShare(r Rules) float64 {
	if r.GalacticCitizen {
		return ShareCitizen
	}
	switch r.MembershipType {
	case region.MembershipCitizen:
		return ShareCitizen
	case region.MembershipResident:
		return ShareResident
	}
	return ShareVisitor
}

// ComputeManifest splits holdings into what travels and what stays.
func ComputeManifest(h Holdings, r Rules) Manifest {
	m := Manifest{
		Cargo:         map[string]int64{},
		CargoCost:     map[string]int64{},
		RetainedCargo: map[string]int64{},
		Ship:          h.Ship,
		ShipHold:      h.ShipHold,
	}

	credits := max(h.Credits, 0)
	transferable := int64(float64(credits) * creditShare(r))
	if !r.GalacticCitizen {
		limit := r.CreditCap
		if limit <= 0 {
			limit = DefaultCreditCap
		}
		transferable = min(transferable, limit)
	}
	if !r.TradeAgreement && r.SourceTaxRate > 0 {
		m.ExitTax = int64(float64(transferable) * r.SourceTaxRate)
	}
	m.Credits = transferable - m.ExitTax
	m.RetainedCredits = credits - transferable

	total := h.CargoTotal()
	hold := max(h.ShipHold, 0)
	if h.Ship == "" {
		hold = 0
	}
	goods := make([]string, 0, len(h.Cargo))
	for g, q := range h.Cargo {
		if q > 0 {
			goods = append(goods, g)
		}
	}
	sort.Strings(goods)

	if total <= hold {
		for _, g := range goods {
			m.Cargo[g] = h.Cargo[g]
		}
	} else if total > 0 && hold > 0 {
		var used int64
		for _, g := range goods {
			share := h.Cargo[g] * hold / total
			m.Cargo[g] = share
			used += share
		}
		// Leftover capacity from flooring goes to goods in name order.
		for _, g := range goods {
			if used >= hold {
				break
			}
			if m.Cargo[g] < h.Cargo[g] {
				m.Cargo[g]++
				used++
			}
		}
	}
	for _, g := range goods {
		if m.Cargo[g] > 0 {
			m.CargoCost[g] = h.CargoCost[g]
		} else {
			delete(m.Cargo, g)
		}
		if rest := h.Cargo[g] - m.Cargo[g]; rest > 0 {
			m.RetainedCargo[g] = rest
		}
	}
	return m
}

// Detach removes the manifest's assets from the source holdings. Exit tax is
// removed too; it goes to the region, not the player.
func Detach(h Holdings, m Manifest) Holdings {
	out := cloneHoldings(h)
	out.Credits = m.RetainedCredits
	out.Cargo = map[string]int64{}
	out.CargoCost = map[string]int64{}
	for g, q := range m.RetainedCargo {
		out.Cargo[g] = q
		out.CargoCost[g] = h.CargoCost[g]
	}
	if m.Ship != "" {
		out.Ship = ""
		out.ShipHold = 0
	}
	return out
}

// Attach merges a manifest into destination holdings.
func Attach(h Holdings, m Manifest) Holdings {
	out := cloneHoldings(h)
	out.Credits += m.Credits
	for g, q := range m.Cargo {
		out.AddCargo(g, q, m.CargoCost[g])
	}
	if m.Ship != "" {
		out.Ship = m.Ship
		out.ShipHold = m.ShipHold
	}
	return out
}

// Restore undoes Detach: the manifest (and the exit tax, which was never
// delivered) goes back into the source holdings.
func Restore(h Holdings, m Manifest) Holdings {
	out := Attach(h, m)
	out.Credits += m.ExitTax
	return out
}

func cloneHoldings(h Holdings) Holdings {
	out := h
	out.Cargo = make(map[string]int64, len(h.Cargo))
	out.CargoCost = make(map[string]int64, len(h.CargoCost))
	for k, v := range h.Cargo {
		out.Cargo[k] = v
	}
	for k, v := range h.CargoCost {
		out.CargoCost[k] = v
	}
	return out
}
