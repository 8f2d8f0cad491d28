package geo

import (
	"math"
	"testing"

	"github.com/example/ride-pooling/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSymmetry(t *testing.T) {
	a := models.GeoPoint{Lat: 12.9716, Lon: 77.5946}
	b := models.GeoPoint{Lat: 13.0827, Lon: 80.2707}
	ab := Distance(a, b)
	ba := Distance(b, a)
	if math.Abs(ab-ba) > 1e-6 {
		t.Fatalf("expected symmetric distance, got %f vs %f", ab, ba)
	}
	if ab <= 0 {
		t.Fatalf("expected positive distance, got %f", ab)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// One degree of latitude is ~111.2 km.
	d := Haversine(0, 0, 1, 0)
	if d < 110_000 || d > 112_500 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func TestMemoryIndexNearby(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert(models.PoolRequest{ID: "near", Pickup: models.Location{Point: models.GeoPoint{Lat: 0.001, Lon: 0}}})
	idx.Upsert(models.PoolRequest{ID: "far", Pickup: models.Location{Point: models.GeoPoint{Lat: 0.02, Lon: 0}}})
	idx.Upsert(models.PoolRequest{ID: "outside", Pickup: models.Location{Point: models.GeoPoint{Lat: 1, Lon: 1}}})

	got := idx.Nearby(models.GeoPoint{Lat: 0, Lon: 0}, 5000, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %v", got)
	}
	if got[0] != "near" || got[1] != "far" {
		t.Fatalf("expected ascending by distance, got %v", got)
	}

	idx.Remove("near")
	got = idx.Nearby(models.GeoPoint{Lat: 0, Lon: 0}, 5000, 10)
	if len(got) != 1 || got[0] != "far" {
		t.Fatalf("expected only far after removal, got %v", got)
	}
}
