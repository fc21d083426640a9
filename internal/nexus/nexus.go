// Package nexus describes the Central Nexus: the shared hub galaxy every
// region connects to through its warp gate.
package nexus

import (
	"errors"
	"fmt"
	"sort"
)

var ErrNoGateCapacity = errors.New("nexus: no free gate sectors")

const (
	TotalSectors = 5000

	// Gate sectors are the first hundred sectors of Gateway Plaza.
	GateSectorFirst = 4001
	GateSectorLast  = 4100
)

type District string

const (
	CommerceCentral     District = "commerce_central"
	DiplomaticQuarter   District = "diplomatic_quarter"
	IndustrialZone      District = "industrial_zone"
	ResidentialDistrict District = "residential_district"
	TransitHub          District = "transit_hub"
	HighSecurityZone    District = "high_security_zone"
	CulturalCenter      District = "cultural_center"
	ResearchCampus      District = "research_campus"
	FreeTradeZone       District = "free_trade_zone"
	GatewayPlaza        District = "gateway_plaza"
)

type DistrictInfo struct {
	District      District `json:"district"`
	Name          string   `json:"name"`
	FirstSector   int      `json:"firstSector"`
	LastSector    int      `json:"lastSector"`
	SecurityLevel int      `json:"securityLevel"`
}

var districts = []DistrictInfo{
	{CommerceCentral, "Commerce Central", 1, 500, 8},
	{DiplomaticQuarter, "Diplomatic Quarter", 501, 800, 10},
	{IndustrialZone, "Industrial Zone", 801, 1200, 6},
	{ResidentialDistrict, "Residential District", 1201, 1600, 7},
	{TransitHub, "Transit Hub", 1601, 2000, 7},
	{HighSecurityZone, "High Security Zone", 2001, 2500, 10},
	{CulturalCenter, "Cultural Center", 2501, 3000, 8},
	{ResearchCampus, "Research Campus", 3001, 3500, 9},
	{FreeTradeZone, "Free Trade Zone", 3501, 4000, 4},
	{GatewayPlaza, "Gateway Plaza", 4001, 5000, 8},
}

// Districts returns the district table in sector order.
func Districts() []DistrictInfo {
	out := make([]DistrictInfo, len(districts))
	copy(out, districts)
	return out
}

func DistrictForSector(sector int) (DistrictInfo, error) {
	i := sort.Search(len(districts), func(i int) bool { return districts[i].LastSector >= sector })
	if sector < 1 || i == len(districts) {
		return DistrictInfo{}, fmt.Errorf("nexus: sector %d outside 1-%d", sector, TotalSectors)
	}
	return districts[i], nil
}

// AllocateGateSector returns the lowest Gateway Plaza gate sector not in used.
func AllocateGateSector(used []int) (int, error) {
	taken := make(map[int]struct{}, len(used))
	for _, s := range used {
		taken[s] = struct{}{}
	}
	for s := GateSectorFirst; s <= GateSectorLast; s++ {
		if _, ok := taken[s]; !ok {
			return s, nil
		}
	}
	return 0, ErrNoGateCapacity
}
