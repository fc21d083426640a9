package region

import (
	"errors"
	"testing"
	"time"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr error
	}{
		{"orion-reach", nil},
		{"Sector_7", nil},
		{"ab", ErrInvalid},
		{"-leading", ErrInvalid},
		{"has space", ErrInvalid},
		{"central-nexus", ErrReservedName},
		{"ADMIN", ErrReservedName},
		{"production", ErrReservedName},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.wantErr == nil && err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", tt.name, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("ValidateName(%q) = %v, want %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestRegionValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Region)
		ok     bool
	}{
		{"defaults", func(*Region) {}, true},
		{"tax too low", func(r *Region) { r.TaxRate = 0.01 }, false},
		{"tax too high", func(r *Region) { r.TaxRate = 0.3 }, false},
		{"tax at bound", func(r *Region) { r.TaxRate = 0.25 }, true},
		{"threshold", func(r *Region) { r.VotingThreshold = 0.95 }, false},
		{"credits", func(r *Region) { r.StartingCredits = 99 }, false},
		{"sectors", func(r *Region) { r.TotalSectors = 1001 }, false},
		{"governance", func(r *Region) { r.Governance = "anarchy" }, false},
		{"status", func(r *Region) { r.Status = "frozen" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Defaults("orion-reach")
			tt.mutate(&r)
			err := r.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestNexusSkipsNameAndSectorRules(t *testing.T) {
	r := Defaults(NexusName)
	r.TotalSectors = 5000
	if err := r.Validate(); err != nil {
		t.Fatalf("nexus Validate() = %v", err)
	}
	r.Status = StatusSuspended
	if !r.IsActive() {
		t.Fatal("nexus must always be active")
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusActive}:       true,
		{StatusPending, StatusTerminated}:   true,
		{StatusActive, StatusSuspended}:     true,
		{StatusActive, StatusTerminated}:    true,
		{StatusSuspended, StatusActive}:     true,
		{StatusSuspended, StatusTerminated}: true,
	}
	all := []Status{StatusPending, StatusActive, StatusSuspended, StatusTerminated}
	for _, from := range all {
		for _, to := range all {
			r := Region{Status: from}
			err := r.Transition(to)
			if allowed[[2]Status{from, to}] {
				if err != nil || r.Status != to {
					t.Errorf("%s -> %s: err=%v status=%s", from, to, err, r.Status)
				}
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: err=%v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestMembershipReputationClamp(t *testing.T) {
	m := NewVisitor("p1", "r1", time.Now())
	m.AdjustReputation(5000)
	if m.Reputation != MaxReputation {
		t.Fatalf("reputation = %d, want %d", m.Reputation, MaxReputation)
	}
	m.AdjustReputation(-3000)
	if m.Reputation != MinReputation {
		t.Fatalf("reputation = %d, want %d", m.Reputation, MinReputation)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestMembershipCanVote(t *testing.T) {
	m := NewVisitor("p1", "r1", time.Now())
	if m.CanVote() {
		t.Fatal("visitors cannot vote")
	}
	m.Type = MembershipResident
	if !m.CanVote() {
		t.Fatal("residents with voting power can vote")
	}
	m.VotingPower = 0
	if m.CanVote() {
		t.Fatal("zero voting power cannot vote")
	}
}

func TestTreatyActiveAt(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	tr := Treaty{RegionA: "a", RegionB: "b", Type: TreatyTradeAgreement, Status: "active"}
	if !tr.ActiveAt(now) {
		t.Fatal("open-ended active treaty should be active")
	}
	tr.ExpiresAt = &past
	if tr.ActiveAt(now) {
		t.Fatal("expired treaty should not be active")
	}
	if err := (Treaty{RegionA: "a", RegionB: "a", Type: TreatyDefensePact}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("self-treaty Validate() = %v, want ErrInvalid", err)
	}
}
