// Package market runs the per-region port economy: stock, prices, production
// and player trades.
package market

import (
	"math/rand"
	"sort"
	"strconv"
)

// Port is a trading location inside one region. Stock and prices are keyed by
// good name.
type Port struct {
	ID         string           `json:"id"`
	RegionID   string           `json:"regionId"`
	Name       string           `json:"name"`
	Sector     int              `json:"sector"`
	Stock      map[string]int64 `json:"goods"`
	Prices     map[string]int64 `json:"prices"`
	Production map[string]int64 `json:"-"`
}

// Produce adds one tick of production to the port's stock.
func (p *Port) Produce() bool {
	changed := false
	for g, amt := range p.Production {
		if amt <= 0 {
			continue
		}
		if p.Stock == nil {
			p.Stock = map[string]int64{}
		}
		p.Stock[g] += amt
		changed = true
	}
	return changed
}

var standardGoods = []string{"Food", "Fuel", "Ore", "Water"}

// Each port template produces the standard goods plus its specialty.
var portTemplates = []struct {
	name      string
	specialty string
}{
	{"Solar Yards", "Solar Panels"},
	{"Acid Refinery", "Acid Extract"},
	{"Circuit Works", "Electronics"},
	{"Foundry", "Iron Alloy"},
	{"Gas Skimmer", "Helium-3"},
	{"Methane Depot", "Methane"},
	{"Ice Quarry", "Ice Crystals"},
	{"Dye Works", "Deep Blue Dye"},
	{"Xenon Station", "Xenon Gas"},
	{"Spice Exchange", "Titan Spice"},
	{"Rare Metal Assay", "Rare Metals"},
}

// AllGoods lists every tradable good in name order.
func AllGoods() []string {
	set := map[string]struct{}{}
	for _, g := range standardGoods {
		set[g] = struct{}{}
	}
	for _, t := range portTemplates {
		set[t.specialty] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// DefaultPorts lays out n ports for a region across its sectors. Every port
// quotes a price for every good so cargo can be sold anywhere.
func DefaultPorts(regionID string, totalSectors, n int, rnd *rand.Rand) []Port {
	if n <= 0 || n > len(portTemplates) {
		n = len(portTemplates)
	}
	if totalSectors < n {
		totalSectors = n
	}
	goods := AllGoods()
	spacing := totalSectors / n

	ports := make([]Port, 0, n)
	for i := 0; i < n; i++ {
		t := portTemplates[i]
		p := Port{
			ID:         regionID + ":port:" + strconv.Itoa(i+1),
			RegionID:   regionID,
			Name:       t.name,
			Sector:     i*spacing + 1 + rnd.Intn(spacing),
			Stock:      map[string]int64{},
			Prices:     map[string]int64{},
			Production: map[string]int64{},
		}
		for _, g := range standardGoods {
			p.Stock[g] = int64(20 + rnd.Intn(30))
			p.Prices[g] = int64(5 + rnd.Intn(20))
			p.Production[g] = int64(2 + rnd.Intn(4))
		}
		p.Stock[t.specialty] = int64(10 + rnd.Intn(20))
		p.Production[t.specialty] = int64(1 + rnd.Intn(3))
		for _, g := range goods {
			if _, ok := p.Prices[g]; !ok {
				p.Prices[g] = int64(8 + rnd.Intn(25))
			}
		}
		ports = append(ports, p)
	}
	return ports
}
