package ranking

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func veh(id string, rule models.MatchingRule, zones ...string) models.Vehicle {
	return models.Vehicle{
		ID: "v-" + id, DriverID: id, Online: true, Available: true,
		PassengerCapacity: 4, ADACapacity: 1, Service: models.ServiceMixed,
		Rule: rule, Zones: zones,
	}
}

func names(bs []Bucket) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Name)
	}
	return out
}

func TestBucketOrder(t *testing.T) {
	vs := []models.Vehicle{
		veh("fallback", models.RulePriority, "zc"),
		veh("shared", models.RuleShared),
		veh("exc-dest", models.RuleExclusive, "zb"),
		veh("pri-origin", models.RulePriority, "za"),
		veh("locked-one", models.RuleLocked, "za"),
		veh("locked-both", models.RuleLocked, "za", "zb"),
		veh("exc-nowhere", models.RuleExclusive, "zc"),
	}
	req := &models.Request{Passengers: 1}
	got := Ranker{}.Buckets(Zones{Origin: "za", Destination: "zb"}, req, vs)
	want := []string{"locked_both_zones", "locked_one_zone", "priority_origin", "exclusive_destination", "shared", "priority_fallback"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, names(got))
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Fatalf("bucket %d: expected %s, got %v", i, want[i], names(got))
		}
	}
	for _, b := range got {
		for _, v := range b.Vehicles {
			if v.DriverID == "exc-nowhere" {
				t.Fatal("exclusive vehicle outside both zones must never be offered")
			}
		}
	}
}

func TestTieBreakBetweenPriorityAndExclusive(t *testing.T) {
	vs := []models.Vehicle{veh("p", models.RulePriority, "za"), veh("e", models.RuleExclusive, "za")}
	req := &models.Request{Passengers: 1}
	z := Zones{Origin: "za"}
	cases := []struct {
		tb    TieBreak
		first string
	}{
		{PriorityFirst, "p"},
		{ExclusiveFirst, "e"},
	}
	for _, c := range cases {
		got := Ranker{TieBreak: c.tb}.Buckets(z, req, vs)
		if len(got) != 2 || got[0].Vehicles[0].DriverID != c.first {
			t.Fatalf("%s: expected %s first, got %v", c.tb, c.first, names(got))
		}
	}
}

func TestEligibilityFilters(t *testing.T) {
	offline := veh("off", models.RuleShared)
	offline.Online = false
	busy := veh("busy", models.RuleShared)
	busy.Available = false
	paxOnly := veh("pax", models.RuleShared)
	paxOnly.Service = models.ServicePassengerOnly
	adaOnly := veh("ada", models.RuleShared)
	adaOnly.Service = models.ServiceADAOnly
	small := veh("small", models.RuleShared)
	small.PassengerCapacity = 1

	vs := []models.Vehicle{offline, busy, paxOnly, adaOnly, small}
	reg := Ranker{}.Buckets(Zones{}, &models.Request{Passengers: 2}, vs)
	if len(reg) != 1 || len(reg[0].Vehicles) != 1 || reg[0].Vehicles[0].DriverID != "pax" {
		t.Fatalf("regular request: unexpected %+v", reg)
	}
	ada := Ranker{}.Buckets(Zones{}, &models.Request{Passengers: 1, ADA: true}, vs)
	if len(ada) != 1 || len(ada[0].Vehicles) != 2 {
		t.Fatalf("ada request: unexpected %+v", ada)
	}
	for _, v := range ada[0].Vehicles {
		if v.DriverID == "pax" {
			t.Fatal("passenger-only vehicle offered an ADA rider")
		}
	}
}

func TestParseTieBreak(t *testing.T) {
	if tb, err := ParseTieBreak(""); err != nil || tb != PriorityFirst {
		t.Fatalf("default: %v %v", tb, err)
	}
	if _, err := ParseTieBreak("coinflip"); err == nil {
		t.Fatal("expected error for unknown tie-break")
	}
}
