package ranking

import (
	"fmt"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// TieBreak decides which of priority and exclusive vehicles is tried first
// when both match the same zone.
type TieBreak string

const (
	PriorityFirst  TieBreak = "priority_first"
	ExclusiveFirst TieBreak = "exclusive_first"
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", PriorityFirst:
		return PriorityFirst, nil
	case ExclusiveFirst:
		return ExclusiveFirst, nil
	}
	return "", fmt.Errorf("unknown tie-break %q", s)
}

// Bucket is a set of equally preferred vehicles.
type Bucket struct {
	Name     string
	Vehicles []models.Vehicle
}

// Zones are the resolved zone ids of a request's endpoints. Empty means unresolved.
type Zones struct {
	Origin      string
	Destination string
}

// ResolveZones maps the request endpoints onto the location's zones.
func ResolveZones(loc *models.Location, req *models.Request) Zones {
	var z Zones
	if loc == nil || !loc.HasZones() {
		return z
	}
	if o, ok := geo.ResolveZone(loc.Zones, req.Origin); ok {
		z.Origin = o.ID
	}
	if d, ok := geo.ResolveZone(loc.Zones, req.Destination); ok {
		z.Destination = d.ID
	}
	return z
}

type Ranker struct {
	TieBreak TieBreak
}

type rule struct {
	name  string
	match func(v *models.Vehicle, z Zones) bool
}

func (r Ranker) rules() []rule {
	locked2 := rule{"locked_both_zones", func(v *models.Vehicle, z Zones) bool {
		return v.Rule == models.RuleLocked && v.InZone(z.Origin) && v.InZone(z.Destination)
	}}
	locked1 := rule{"locked_one_zone", func(v *models.Vehicle, z Zones) bool {
		return v.Rule == models.RuleLocked && (v.InZone(z.Origin) || v.InZone(z.Destination))
	}}
	byZone := func(name string, mr models.MatchingRule, origin bool) rule {
		return rule{name, func(v *models.Vehicle, z Zones) bool {
			id := z.Destination
			if origin {
				id = z.Origin
			}
			return v.Rule == mr && v.InZone(id)
		}}
	}
	out := []rule{locked2, locked1}
	for _, origin := range []bool{true, false} {
		side := "destination"
		if origin {
			side = "origin"
		}
		pri := byZone("priority_"+side, models.RulePriority, origin)
		exc := byZone("exclusive_"+side, models.RuleExclusive, origin)
		if r.TieBreak == ExclusiveFirst {
			out = append(out, exc, pri)
		} else {
			out = append(out, pri, exc)
		}
	}
	out = append(out,
		rule{"shared", func(v *models.Vehicle, _ Zones) bool { return v.Rule == models.RuleShared }},
		rule{"priority_fallback", func(v *models.Vehicle, z Zones) bool {
			return v.Rule == models.RulePriority && !v.InZone(z.Origin) && !v.InZone(z.Destination)
		}},
	)
	return out
}

// Eligible reports whether v may take req at all, independent of zones.
// Route capacity along an existing route is the planner's job.
func Eligible(v *models.Vehicle, req *models.Request) bool {
	if !v.Online || !v.Available || !v.Service.Serves(req.ADA) {
		return false
	}
	pax, ada := req.Load()
	return pax <= v.PassengerCapacity && ada <= v.ADACapacity
}

// Buckets groups the eligible vehicles into preference order. Empty buckets
// are omitted and every vehicle lands in the first bucket it qualifies for.
func (r Ranker) Buckets(z Zones, req *models.Request, vehicles []models.Vehicle) []Bucket {
	placed := make(map[string]bool, len(vehicles))
	var out []Bucket
	for _, rl := range r.rules() {
		var b Bucket
		for i := range vehicles {
			v := &vehicles[i]
			if placed[v.DriverID] || !Eligible(v, req) || !rl.match(v, z) {
				continue
			}
			placed[v.DriverID] = true
			b.Vehicles = append(b.Vehicles, *v)
		}
		if len(b.Vehicles) > 0 {
			b.Name = rl.name
			out = append(out, b)
		}
	}
	return out
}
