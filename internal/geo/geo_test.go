package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func square(id string, minLat, minLon, maxLat, maxLon float64) models.Zone {
	return models.Zone{ID: id, Polygon: []models.Coord{
		{Lat: minLat, Lon: minLon},
		{Lat: minLat, Lon: maxLon},
		{Lat: maxLat, Lon: maxLon},
		{Lat: maxLat, Lon: minLon},
	}}
}

func TestPointInPolygon(t *testing.T) {
	z := square("a", 0, 0, 1, 1)
	if !Contains(z, models.Coord{Lat: 0.5, Lon: 0.5}) {
		t.Fatal("center should be inside")
	}
	if Contains(z, models.Coord{Lat: 1.5, Lon: 0.5}) {
		t.Fatal("point above should be outside")
	}
}

func TestResolveZonePrefersNestedZone(t *testing.T) {
	outer := square("outer", 0, 0, 10, 10)
	inner := square("inner", 2, 2, 4, 4)
	def := models.Zone{ID: "all", Default: true}
	zones := []models.Zone{def, outer, inner}

	z, ok := ResolveZone(zones, models.Coord{Lat: 3, Lon: 3})
	if !ok || z.ID != "inner" {
		t.Fatalf("expected inner, got %q ok=%v", z.ID, ok)
	}
	z, ok = ResolveZone(zones, models.Coord{Lat: 8, Lon: 8})
	if !ok || z.ID != "outer" {
		t.Fatalf("expected outer, got %q ok=%v", z.ID, ok)
	}
	z, ok = ResolveZone(zones, models.Coord{Lat: 20, Lon: 20})
	if !ok || z.ID != "all" {
		t.Fatalf("expected default fallback, got %q ok=%v", z.ID, ok)
	}
	if _, ok := ResolveZone([]models.Zone{outer}, models.Coord{Lat: 20, Lon: 20}); ok {
		t.Fatal("expected no zone without a default")
	}
}

func TestNearestFixedStopSkipsSubzonesAndExcluded(t *testing.T) {
	outer := square("outer", 0, 0, 10, 10)
	inner := square("inner", 2, 2, 4, 4)
	loc := &models.Location{
		Zones: []models.Zone{outer, inner},
		FixedStops: []models.FixedStop{
			{ID: "in-sub", Loc: models.Coord{Lat: 3, Lon: 3}, Enabled: true},
			{ID: "near", Loc: models.Coord{Lat: 5, Lon: 5}, Enabled: true},
			{ID: "far", Loc: models.Coord{Lat: 9, Lon: 9}, Enabled: true},
			{ID: "off", Loc: models.Coord{Lat: 4.5, Lon: 4.5}, Enabled: false},
		},
	}
	p := models.Coord{Lat: 4.2, Lon: 4.2}
	fs, ok := NearestFixedStop(loc, &outer, p, "", 0)
	if !ok || fs.ID != "near" {
		t.Fatalf("expected near, got %q ok=%v", fs.ID, ok)
	}
	fs, ok = NearestFixedStop(loc, &outer, p, "near", 0)
	if !ok || fs.ID != "far" {
		t.Fatalf("expected far when near is excluded, got %q ok=%v", fs.ID, ok)
	}
	if _, ok := NearestFixedStop(loc, &outer, p, "near", 1000); ok {
		t.Fatal("expected nothing within 1km")
	}
	fs, ok = NearestFixedStop(loc, &inner, p, "", 0)
	if !ok || fs.ID != "in-sub" {
		t.Fatalf("expected in-sub inside inner, got %q ok=%v", fs.ID, ok)
	}
}

func TestIndexCandidatesFiltersByLocationAndRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.Vehicle{DriverID: "near", LocationID: "L1", Loc: models.Coord{Lat: 0, Lon: 0.001}})
	_ = idx.Upsert(ctx, models.Vehicle{DriverID: "far", LocationID: "L1", Loc: models.Coord{Lat: 0, Lon: 1}})
	_ = idx.Upsert(ctx, models.Vehicle{DriverID: "other", LocationID: "L2", Loc: models.Coord{Lat: 0, Lon: 0}})

	got, err := idx.Candidates(ctx, "L1", models.Coord{}, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "near" {
		t.Fatalf("expected only near, got %+v", got)
	}
	got, _ = idx.Candidates(ctx, "L1", models.Coord{}, 0)
	if len(got) != 2 || got[0].DriverID != "near" {
		t.Fatalf("expected both L1 vehicles closest first, got %+v", got)
	}
}
