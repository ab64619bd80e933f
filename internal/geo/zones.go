package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Contains reports whether p lies inside the zone. A default zone without a
// polygon covers the whole location.
func Contains(z models.Zone, p models.Coord) bool {
	if len(z.Polygon) < 3 {
		return z.Default
	}
	return PointInPolygon(p, z.Polygon)
}

// PointInPolygon is a ray-casting test treating lon as x and lat as y.
func PointInPolygon(p models.Coord, poly []models.Coord) bool {
	inside := false
	n := len(poly)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Within reports whether inner lies inside outer, judged by its vertices.
func Within(inner, outer models.Zone) bool {
	if inner.ID == outer.ID {
		return false
	}
	if len(outer.Polygon) < 3 {
		return outer.Default
	}
	if len(inner.Polygon) < 3 {
		return false
	}
	for _, v := range inner.Polygon {
		if !PointInPolygon(v, outer.Polygon) {
			return false
		}
	}
	return true
}

// Area is the planar shoelace area in squared degrees; only used for ordering.
func Area(poly []models.Coord) float64 {
	var s float64
	n := len(poly)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		s += poly[i].Lon*poly[j].Lat - poly[j].Lon*poly[i].Lat
	}
	return math.Abs(s) / 2
}

// ResolveZone maps a point to the most specific zone containing it.
// Overlaps resolve to the zone nested inside the most other candidates,
// the catch-all default zone only wins when nothing else matches, and a
// point outside every polygon falls back to the default zone if one exists.
func ResolveZone(zones []models.Zone, p models.Coord) (models.Zone, bool) {
	var def *models.Zone
	var matches []models.Zone
	for i := range zones {
		z := zones[i]
		if z.Default {
			if def == nil {
				def = &zones[i]
			}
			continue
		}
		if Contains(z, p) {
			matches = append(matches, z)
		}
	}
	switch len(matches) {
	case 0:
		if def != nil {
			return *def, true
		}
		return models.Zone{}, false
	case 1:
		return matches[0], true
	}
	best := -1
	bestDepth := -1
	bestArea := math.Inf(1)
	for i, c := range matches {
		depth := 0
		for _, o := range matches {
			if Within(c, o) {
				depth++
			}
		}
		area := Area(c.Polygon)
		if depth > bestDepth || (depth == bestDepth && area < bestArea) {
			best, bestDepth, bestArea = i, depth, area
		}
	}
	return matches[best], true
}

// Subzones returns the zones nested inside z.
func Subzones(zones []models.Zone, z models.Zone) []models.Zone {
	var out []models.Zone
	for _, o := range zones {
		if o.Default || o.ID == z.ID {
			continue
		}
		if Within(o, z) {
			out = append(out, o)
		}
	}
	return out
}

// NearestFixedStop picks the closest enabled stop to p inside zone but
// outside any of its subzones, skipping exclude. maxMeters <= 0 means no
// distance cap. With no zones configured every enabled stop is eligible.
func NearestFixedStop(loc *models.Location, zone *models.Zone, p models.Coord, exclude string, maxMeters float64) (models.FixedStop, bool) {
	var subs []models.Zone
	if zone != nil {
		subs = Subzones(loc.Zones, *zone)
	}
	var best models.FixedStop
	bestDist := math.Inf(1)
	found := false
	for _, fs := range loc.FixedStops {
		if !fs.Enabled || fs.ID == exclude {
			continue
		}
		if zone != nil {
			if !Contains(*zone, fs.Loc) {
				continue
			}
			excluded := false
			for _, s := range subs {
				if Contains(s, fs.Loc) {
					excluded = true
					break
				}
			}
			if excluded {
				continue
			}
		}
		d := Haversine(p.Lat, p.Lon, fs.Loc.Lat, fs.Loc.Lon)
		if maxMeters > 0 && d > maxMeters {
			continue
		}
		if d < bestDist {
			best, bestDist, found = fs, d, true
		}
	}
	return best, found
}
