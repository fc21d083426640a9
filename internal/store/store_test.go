package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/sectorwars/internal/assets"
	"github.com/example/sectorwars/internal/audit"
	"github.com/example/sectorwars/internal/market"
	"github.com/example/sectorwars/internal/region"
	"github.com/example/sectorwars/internal/warpgate"
)

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "galaxy.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func seedRegions(t *testing.T, st *Store, ids ...string) {
	t.Helper()
	err := st.WithTx(context.Background(), func(tx *Tx) error {
		for _, id := range ids {
			r := region.Defaults(id)
			r.ID = id
			r.Status = region.StatusActive
			if err := tx.CreateRegion(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed regions: %v", err)
	}
}

func seedPlayer(t *testing.T, st *Store, id, regionID string) {
	t.Helper()
	err := st.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreatePlayer(context.Background(), region.Player{
			ID: id, UserID: "user-" + id, Name: id, HomeRegionID: regionID, CurrentRegionID: regionID,
		})
	})
	if err != nil {
		t.Fatalf("seed player: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	st, path := openTest(t)
	seedRegions(t, st, "orion")
	_ = st.Close()

	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if _, err := again.Region(context.Background(), "orion"); err != nil {
		t.Fatalf("region lost across reopen: %v", err)
	}
	var n int
	if err := again.sqlDB.QueryRow(`SELECT COUNT(*) FROM ` + migrationTable).Scan(&n); err != nil || n != 1 {
		t.Fatalf("migrations recorded = %d, %v", n, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("empty path should fail")
	}
}

func TestUpSection(t *testing.T) {
	got := upSection("-- header\n-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;\n")
	if got != "\nCREATE TABLE a (x);\n" {
		t.Fatalf("upSection = %q", got)
	}
	if got := upSection("SELECT 1;"); got != "SELECT 1;" {
		t.Fatalf("no markers = %q", got)
	}
}

func TestRegions(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	seedRegions(t, st, "orion", "vega")

	err := st.WithTx(ctx, func(tx *Tx) error {
		r := region.Defaults("orion")
		r.ID = "orion-2"
		return tx.CreateRegion(ctx, r)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate name err = %v, want ErrConflict", err)
	}

	if _, err := st.Region(ctx, "nowhere"); !errors.Is(err, region.ErrNotFound) {
		t.Fatalf("missing region err = %v", err)
	}
	r, err := st.RegionByName(ctx, "vega")
	if err != nil || r.ID != "vega" || r.TaxRate != 0.10 {
		t.Fatalf("by name = %+v, %v", r, err)
	}
	all, err := st.Regions(ctx)
	if err != nil || len(all) != 2 || all[0].Name != "orion" {
		t.Fatalf("regions = %+v, %v", all, err)
	}

	err = st.WithTx(ctx, func(tx *Tx) error {
		if err := tx.AdjustTreasury(ctx, "orion", 250); err != nil {
			return err
		}
		if err := tx.AddTradeVolume(ctx, "orion", 40); err != nil {
			return err
		}
		_, err := tx.SetRegionStatus(ctx, "orion", region.StatusSuspended)
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	r, _ = st.Region(ctx, "orion")
	if r.Treasury != 250 || r.TradeVolume != 40 || r.Status != region.StatusSuspended {
		t.Fatalf("after update = %+v", r)
	}

	err = st.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.SetRegionStatus(ctx, "orion", region.StatusPending)
		return err
	})
	if !errors.Is(err, region.ErrInvalidTransition) {
		t.Fatalf("suspended -> pending err = %v", err)
	}
	err = st.WithTx(ctx, func(tx *Tx) error { return tx.AdjustTreasury(ctx, "nowhere", 1) })
	if !errors.Is(err, region.ErrNotFound) {
		t.Fatalf("treasury on missing region err = %v", err)
	}
}

func TestRegionScopeIsolation(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	seedRegions(t, st, "orion", "vega")
	seedPlayer(t, st, "p1", "orion")

	h := assets.NewHoldings("p1", "orion")
	h.Credits = 900
	h.AddCargo("Ore", 5, 12)
	if err := st.Scope("orion").PutHoldings(ctx, h); err != nil {
		t.Fatalf("put holdings: %v", err)
	}

	if err := st.Scope("vega").PutHoldings(ctx, h); !errors.Is(err, ErrCrossScope) {
		t.Fatalf("cross-scope write err = %v, want ErrCrossScope", err)
	}
	if _, err := st.Scope("").Holdings(ctx, "p1"); !errors.Is(err, ErrNoScope) {
		t.Fatalf("unscoped read err = %v, want ErrNoScope", err)
	}

	other, err := st.Scope("vega").Holdings(ctx, "p1")
	if err != nil {
		t.Fatalf("vega holdings: %v", err)
	}
	if other.Credits != 0 || len(other.Cargo) != 0 || other.RegionID != "vega" {
		t.Fatalf("vega sees orion's holdings: %+v", other)
	}
	got, err := st.Scope("orion").Holdings(ctx, "p1")
	if err != nil || got.Credits != 900 || got.Cargo["Ore"] != 5 || got.CargoCost["Ore"] != 12 {
		t.Fatalf("orion holdings = %+v, %v", got, err)
	}

	port := market.Port{ID: "orion:port:1", RegionID: "orion", Name: "Foundry", Sector: 3,
		Stock: map[string]int64{"Ore": 10}, Prices: map[string]int64{"Ore": 7}}
	if err := st.Scope("orion").PutPort(ctx, port); err != nil {
		t.Fatalf("put port: %v", err)
	}
	if err := st.Scope("vega").PutPort(ctx, port); !errors.Is(err, ErrCrossScope) {
		t.Fatalf("cross-scope port err = %v", err)
	}
	if _, err := st.Scope("vega").Port(ctx, port.ID); !errors.Is(err, market.ErrNotFound) {
		t.Fatalf("vega reads orion's port: %v", err)
	}
	ports, err := st.Scope("orion").Ports(ctx)
	if err != nil || len(ports) != 1 || ports[0].Prices["Ore"] != 7 || ports[0].Production == nil {
		t.Fatalf("ports = %+v, %v", ports, err)
	}
}

func TestPlayersAndMemberships(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	seedRegions(t, st, "orion", "vega")
	seedPlayer(t, st, "p1", "orion")

	err := st.WithTx(ctx, func(tx *Tx) error {
		return tx.CreatePlayer(ctx, region.Player{ID: "p2", UserID: "user-p1", Name: "dup", HomeRegionID: "orion"})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second player for user err = %v", err)
	}
	if _, err := st.Player(ctx, "ghost"); !errors.Is(err, region.ErrPlayerNotFound) {
		t.Fatalf("missing player err = %v", err)
	}

	at := time.Date(2102, time.March, 3, 0, 0, 0, 0, time.UTC)
	err = st.WithTx(ctx, func(tx *Tx) error {
		if err := tx.SetPlayerRegion(ctx, "p1", ""); err != nil {
			return err
		}
		if err := tx.SetGalacticCitizen(ctx, "p1", true); err != nil {
			return err
		}
		if err := tx.RecordVisit(ctx, "p1", "vega", at); err != nil {
			return err
		}
		return tx.RecordVisit(ctx, "p1", "vega", at.Add(time.Hour))
	})
	if err != nil {
		t.Fatalf("update player: %v", err)
	}
	p, err := st.PlayerByUser(ctx, "user-p1")
	if err != nil || p.CurrentRegionID != "" || !p.GalacticCitizen {
		t.Fatalf("player = %+v, %v", p, err)
	}
	m, err := st.Membership(ctx, "p1", "vega")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if m.Type != region.MembershipVisitor || m.TotalVisits != 2 || !m.JoinedAt.Equal(at) || !m.LastVisit.Equal(at.Add(time.Hour)) {
		t.Fatalf("membership = %+v", m)
	}
	if _, err := st.Membership(ctx, "p1", "orion"); !errors.Is(err, region.ErrNotFound) {
		t.Fatalf("missing membership err = %v", err)
	}

	err = st.WithTx(ctx, func(tx *Tx) error { return tx.SetPlayerRegion(ctx, "ghost", "orion") })
	if !errors.Is(err, region.ErrPlayerNotFound) {
		t.Fatalf("move missing player err = %v", err)
	}
}

func TestTreaties(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	seedRegions(t, st, "orion", "vega")
	signed := time.Date(2102, time.January, 1, 0, 0, 0, 0, time.UTC)
	expires := signed.Add(24 * time.Hour)

	err := st.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateTreaty(ctx, region.Treaty{
			ID: "t1", RegionA: "vega", RegionB: "orion", Type: region.TreatyTradeAgreement,
			SignedAt: signed, ExpiresAt: &expires, Status: "active",
		})
	})
	if err != nil {
		t.Fatalf("create treaty: %v", err)
	}

	check := func(a, b string, kind region.TreatyType, at time.Time) bool {
		var ok bool
		err := st.WithTx(ctx, func(tx *Tx) error {
			var err error
			ok, err = tx.TreatyActive(ctx, a, b, kind, at)
			return err
		})
		if err != nil {
			t.Fatalf("treaty active: %v", err)
		}
		return ok
	}
	if !check("orion", "vega", region.TreatyTradeAgreement, signed.Add(time.Hour)) {
		t.Fatal("treaty should be found in either order")
	}
	if check("orion", "vega", region.TreatyTradeAgreement, expires) {
		t.Fatal("treaty should lapse at expiry")
	}
	if check("orion", "vega", region.TreatyDefensePact, signed.Add(time.Hour)) {
		t.Fatal("a trade agreement is not a defense pact")
	}

	err = st.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateTreaty(ctx, region.Treaty{
			ID: "t2", RegionA: "orion", RegionB: "vega", Type: region.TreatyTradeAgreement,
			SignedAt: signed, Status: "active",
		})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate treaty err = %v", err)
	}
}

func TestGatesRoundTrip(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	seedRegions(t, st, "orion")
	err := st.WithTx(ctx, func(tx *Tx) error {
		nexus := region.Defaults(region.NexusName)
		nexus.ID = "nexus"
		nexus.Status = region.StatusActive
		nexus.TotalSectors = 5000
		if err := tx.CreateRegion(ctx, nexus); err != nil {
			return err
		}
		for _, g := range warpgate.PlatformPair("orion", "nexus", 7, 1200) {
			if err := tx.PutGate(ctx, g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("put gates: %v", err)
	}
	gates, err := st.Gates(ctx)
	if err != nil || len(gates) != 2 {
		t.Fatalf("gates = %+v, %v", gates, err)
	}
	in := gates[0]
	if in.ID != "platform:orion:in" || in.TravelTime != warpgate.DefaultTravelTime ||
		!in.Restrictions.SecurityScan || in.SourceSector != 1200 {
		t.Fatalf("inbound gate = %+v", in)
	}
}

func TestAuditChain(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	at := time.Date(2102, time.January, 1, 0, 0, 0, 123456789, time.UTC)

	err := st.WithTx(ctx, func(tx *Tx) error {
		for i, subject := range []string{"a", "b", "c"} {
			e, err := tx.AppendAudit(ctx, audit.Entry{At: at.Add(time.Duration(i) * time.Second), Kind: "test", Subject: subject, Payload: "{}"})
			if err != nil {
				return err
			}
			if i == 0 && e.PrevHash != audit.Genesis {
				t.Errorf("first entry prev = %q", e.PrevHash)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	var entries []audit.Entry
	_ = st.WithTx(ctx, func(tx *Tx) error {
		entries, err = tx.AuditEntries(ctx)
		return err
	})
	if len(entries) != 3 || !entries[0].At.Equal(at) {
		t.Fatalf("entries = %+v", entries)
	}
	if err := audit.Verify(entries); err != nil {
		t.Fatalf("verify stored chain: %v", err)
	}

	if _, err := st.sqlDB.Exec(`UPDATE audit_log SET payload = '{"x":1}' WHERE subject = 'b'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = st.WithTx(ctx, func(tx *Tx) error {
		entries, err = tx.AuditEntries(ctx)
		return err
	})
	if err := audit.Verify(entries); !errors.Is(err, audit.ErrBrokenChain) {
		t.Fatalf("tampered chain err = %v, want ErrBrokenChain", err)
	}
}

func TestUsage(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	day := time.Date(2102, time.June, 1, 10, 0, 0, 0, time.UTC)

	for _, u := range []struct {
		player string
		at     time.Time
		usd    float64
	}{
		{"p1", day, 0.25},
		{"p1", day.Add(time.Hour), 0.5},
		{"p2", day, 1},
		{"p1", day.Add(-24 * time.Hour), 3},
	} {
		if err := st.AddUsage(ctx, u.player, u.at, u.usd); err != nil {
			t.Fatalf("add usage: %v", err)
		}
	}

	rows, err := st.UsageOn(ctx, day)
	if err != nil || len(rows) != 2 {
		t.Fatalf("usage = %+v, %v", rows, err)
	}
	if rows[0].PlayerID != "p1" || rows[0].CostUSD != 0.75 || rows[0].Requests != 2 {
		t.Fatalf("p1 usage = %+v", rows[0])
	}

	n, err := st.PruneUsage(ctx, day)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v; want the previous day removed", n, err)
	}
	if rows, _ := st.UsageOn(ctx, day.Add(-24*time.Hour)); len(rows) != 0 {
		t.Fatalf("pruned day still has %d rows", len(rows))
	}
}
