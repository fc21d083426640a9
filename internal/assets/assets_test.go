package assets

import (
	"errors"
	"testing"

	"github.com/example/sectorwars/internal/region"
)

func holdings(credits int64, hold int64, cargo map[string]int64) Holdings {
	h := NewHoldings("p1", "r1")
	h.Credits = credits
	h.Ship = "scout"
	h.ShipHold = hold
	for g, q := range cargo {
		h.AddCargo(g, q, 10)
	}
	return h
}

func assertConserved(t *testing.T, h Holdings, m Manifest) {
	t.Helper()
	if got := m.Credits + m.RetainedCredits + m.ExitTax; got != h.Credits {
		t.Errorf("credits not conserved: %d + %d + %d = %d, want %d",
			m.Credits, m.RetainedCredits, m.ExitTax, got, h.Credits)
	}
	for g, q := range h.Cargo {
		if got := m.Cargo[g] + m.RetainedCargo[g]; got != q {
			t.Errorf("cargo %s not conserved: %d + %d = %d, want %d", g, m.Cargo[g], m.RetainedCargo[g], got, q)
		}
	}
}

func TestCreditShareByMembership(t *testing.T) {
	tests := []struct {
		name     string
		rules    Rules
		credits  int64
		transfer int64
		tax      int64
	}{
		{"citizen", Rules{MembershipType: region.MembershipCitizen, SourceTaxRate: 0.1}, 10_000, 9_000, 1_000},
		{"resident", Rules{MembershipType: region.MembershipResident, SourceTaxRate: 0.1}, 10_000, 6_750, 750},
		{"visitor", Rules{MembershipType: region.MembershipVisitor, SourceTaxRate: 0.1}, 10_000, 4_500, 500},
		{"galactic visitor", Rules{MembershipType: region.MembershipVisitor, GalacticCitizen: true, SourceTaxRate: 0.1}, 10_000, 9_000, 1_000},
		{"treaty waives tax", Rules{MembershipType: region.MembershipCitizen, SourceTaxRate: 0.2, TradeAgreement: true}, 10_000, 10_000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := holdings(tt.credits, 0, nil)
			m := ComputeManifest(h, tt.rules)
			if m.Credits != tt.transfer || m.ExitTax != tt.tax {
				t.Fatalf("credits=%d tax=%d, want %d/%d", m.Credits, m.ExitTax, tt.transfer, tt.tax)
			}
			assertConserved(t, h, m)
		})
	}
}

func TestCreditCap(t *testing.T) {
	h := holdings(5_000_000, 0, nil)
	m := ComputeManifest(h, Rules{MembershipType: region.MembershipCitizen})
	if m.Credits != DefaultCreditCap {
		t.Fatalf("credits = %d, want cap %d", m.Credits, DefaultCreditCap)
	}
	assertConserved(t, h, m)

	m = ComputeManifest(h, Rules{MembershipType: region.MembershipCitizen, GalacticCitizen: true})
	if m.Credits != 5_000_000 {
		t.Fatalf("galactic citizen credits = %d, want uncapped", m.Credits)
	}
}

func TestCargoFitsInHold(t *testing.T) {
	h := holdings(0, 100, map[string]int64{"Ore": 30, "Food": 20})
	m := ComputeManifest(h, Rules{MembershipType: region.MembershipCitizen})
	if m.Cargo["Ore"] != 30 || m.Cargo["Food"] != 20 {
		t.Fatalf("cargo = %v", m.Cargo)
	}
	if len(m.RetainedCargo) != 0 {
		t.Fatalf("retained = %v, want none", m.RetainedCargo)
	}
	if m.CargoCost["Ore"] != 10 {
		t.Fatalf("avg cost did not travel: %v", m.CargoCost)
	}
	assertConserved(t, h, m)
}

func TestCargoProportionalFill(t *testing.T) {
	h := holdings(0, 10, map[string]int64{"Ore": 7, "Food": 5, "Water": 3})
	m := ComputeManifest(h, Rules{MembershipType: region.MembershipCitizen})

	var moved int64
	for _, q := range m.Cargo {
		moved += q
	}
	if moved != 10 {
		t.Fatalf("moved %d units, want hold of 10 (%v)", moved, m.Cargo)
	}
	// floors: Food 3, Ore 4, Water 2 = 9; leftover 1 goes to Food (name order).
	want := map[string]int64{"Food": 4, "Ore": 4, "Water": 2}
	for g, q := range want {
		if m.Cargo[g] != q {
			t.Errorf("cargo[%s] = %d, want %d", g, m.Cargo[g], q)
		}
	}
	assertConserved(t, h, m)
}

func TestNoShipCarriesNoCargo(t *testing.T) {
	h := holdings(100, 50, map[string]int64{"Ore": 5})
	h.Ship = ""
	m := ComputeManifest(h, Rules{MembershipType: region.MembershipCitizen})
	if len(m.Cargo) != 0 || m.RetainedCargo["Ore"] != 5 {
		t.Fatalf("cargo moved without a ship: %+v", m)
	}
}

func TestDetachAttachRestore(t *testing.T) {
	h := holdings(1_000, 10, map[string]int64{"Ore": 15})
	h.Planets = 2
	m := ComputeManifest(h, Rules{MembershipType: region.MembershipResident, SourceTaxRate: 0.1})

	left := Detach(h, m)
	if left.Credits != m.RetainedCredits || left.Cargo["Ore"] != 5 || left.Ship != "" {
		t.Fatalf("detached holdings = %+v", left)
	}
	if left.Planets != 2 {
		t.Fatal("planets must stay in the source region")
	}
	if h.Cargo["Ore"] != 15 {
		t.Fatal("Detach mutated its input")
	}

	dest := Attach(NewHoldings("p1", "r2"), m)
	if dest.Credits != m.Credits || dest.Cargo["Ore"] != 10 || dest.Ship != "scout" {
		t.Fatalf("attached holdings = %+v", dest)
	}

	back := Restore(left, m)
	if back.Credits != h.Credits || back.Cargo["Ore"] != 15 || back.Ship != "scout" {
		t.Fatalf("restored holdings = %+v, want original %+v", back, h)
	}
}

func TestHoldingsCargoOps(t *testing.T) {
	h := NewHoldings("p1", "r1")
	h.AddCargo("Ore", 10, 5)
	h.AddCargo("Ore", 10, 15)
	if h.CargoCost["Ore"] != 10 {
		t.Fatalf("avg cost = %d, want 10", h.CargoCost["Ore"])
	}
	if got := h.RemoveCargo("Ore", 50); got != 20 {
		t.Fatalf("removed %d, want 20", got)
	}
	if _, ok := h.CargoCost["Ore"]; ok {
		t.Fatal("avg cost kept for empty cargo")
	}
	h.Credits = 5
	if err := h.Debit(6); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("Debit err = %v", err)
	}
}

func TestManifestCodecRoundTrip(t *testing.T) {
	h := holdings(2_000, 10, map[string]int64{"Ore": 4})
	m := ComputeManifest(h, Rules{MembershipType: region.MembershipCitizen, SourceTaxRate: 0.05})
	blob, err := EncodeManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeManifest(blob)
	if err != nil {
		t.Fatal(err)
	}
	if got.Credits != m.Credits || got.Cargo["Ore"] != 4 || got.Ship != "scout" {
		t.Fatalf("decoded = %+v, want %+v", got, m)
	}
}
