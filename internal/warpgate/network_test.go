package warpgate

import (
	"errors"
	"testing"
	"time"
)

func testNetwork() *Network {
	var gates []Gate
	for _, r := range []string{"orion", "vega", "lyra"} {
		pair := PlatformPair(r, "nexus", 1, 4001)
		gates = append(gates, pair[0], pair[1])
	}
	return NewNetwork(gates)
}

func TestRouteThroughNexus(t *testing.T) {
	n := testNetwork()
	r, err := n.Route("orion", "vega", Traveler{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(r.Hops) != 2 {
		t.Fatalf("hops = %d, want 2", len(r.Hops))
	}
	if r.Hops[0].From != "orion" || r.Hops[0].To != "nexus" || r.Hops[1].To != "vega" {
		t.Fatalf("unexpected hops %+v", r.Hops)
	}
	if r.TotalEnergy != 2*DefaultEnergyCost {
		t.Errorf("energy = %d, want %d", r.TotalEnergy, 2*DefaultEnergyCost)
	}
	if r.TotalTime != 2*DefaultTravelTime {
		t.Errorf("time = %s, want %s", r.TotalTime, 2*DefaultTravelTime)
	}
}

func TestRoutePrefersCheaperPlayerGate(t *testing.T) {
	n := testNetwork()
	gates := n.Gates()
	gates = append(gates, Gate{
		ID: "direct", Kind: KindPlayer, SourceRegionID: "orion", DestRegionID: "vega",
		EnergyCost: 300, TravelTime: time.Hour, Bidirectional: true, Status: StatusActive,
	})
	n.Replace(gates)

	r, err := n.Route("vega", "orion", Traveler{})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Hops) != 1 || r.Hops[0].GateID != "direct" {
		t.Fatalf("route = %+v, want direct gate", r)
	}
	if r.Hops[0].From != "vega" || r.Hops[0].To != "orion" {
		t.Fatalf("bidirectional gate walked wrong way: %+v", r.Hops[0])
	}
}

func TestRouteTieBreaksOnTime(t *testing.T) {
	gates := []Gate{
		{ID: "slow", Kind: KindPlayer, SourceRegionID: "a", DestRegionID: "b", EnergyCost: 100, TravelTime: time.Hour, Status: StatusActive},
		{ID: "fast", Kind: KindPlayer, SourceRegionID: "a", DestRegionID: "b", EnergyCost: 100, TravelTime: time.Minute, Status: StatusActive},
	}
	r, err := NewNetwork(gates).Route("a", "b", Traveler{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Hops[0].GateID != "fast" {
		t.Fatalf("picked %s, want fast", r.Hops[0].GateID)
	}
}

func TestRouteSkipsInactiveAndRestricted(t *testing.T) {
	n := testNetwork()
	gates := n.Gates()
	for i := range gates {
		if gates[i].ID == "platform:vega:in" {
			gates[i].Status = StatusMaintenance
		}
	}
	n.Replace(gates)
	if _, err := n.Route("orion", "vega", Traveler{}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}

	n = NewNetwork([]Gate{{
		ID: "vip", Kind: KindPlayer, SourceRegionID: "a", DestRegionID: "b", EnergyCost: 1,
		TravelTime: time.Minute, Status: StatusActive,
		Restrictions: Restrictions{GalacticCitizenOnly: true},
	}})
	if _, err := n.Route("a", "b", Traveler{}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("non-citizen err = %v, want ErrNoRoute", err)
	}
	if _, err := n.Route("a", "b", Traveler{GalacticCitizen: true}); err != nil {
		t.Fatalf("citizen route: %v", err)
	}
	if _, err := n.Route("b", "a", Traveler{GalacticCitizen: true}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("one-way gate walked backwards: %v", err)
	}
}

func TestRouteSameRegion(t *testing.T) {
	if _, err := testNetwork().Route("orion", "orion", Traveler{}); !errors.Is(err, ErrSameRegion) {
		t.Fatalf("err = %v, want ErrSameRegion", err)
	}
}

func TestGateAdmitsSecurityScan(t *testing.T) {
	g := Gate{Restrictions: Restrictions{SecurityScan: true, DiplomaticImmunity: true}}
	if g.Admits(Traveler{Flagged: true}) {
		t.Fatal("flagged traveler passed a security scan")
	}
	if !g.Admits(Traveler{Flagged: true, DiplomaticImmunity: true}) {
		t.Fatal("diplomat was stopped at an immunity gate")
	}
	if !g.Admits(Traveler{}) {
		t.Fatal("clean traveler was stopped")
	}
}
