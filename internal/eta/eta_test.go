package eta

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type failingClient struct{ calls int }

func (f *failingClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	f.calls++
	return 0, errors.New("backend down")
}

type fixedClient struct{ calls int }

func (f *fixedClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	f.calls++
	return 42, nil
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	b := &failingClient{}
	e := &Estimator{Backend: b, SpeedMps: 10}
	a, c := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 0.01}
	got, err := e.EstimateSeconds(a, c)
	if err != nil {
		t.Fatalf("fallback must not fail: %v", err)
	}
	want := EstimateSeconds(a, c, 10)
	if got != want {
		t.Fatalf("expected straight-line %f, got %f", want, got)
	}
	if b.calls != 1 {
		t.Fatalf("expected one backend call, got %d", b.calls)
	}
}

func TestEstimatorCachesBackendResults(t *testing.T) {
	b := &fixedClient{}
	e := &Estimator{Backend: b, Cache: NewCache(time.Minute)}
	a, c := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}
	for i := 0; i < 3; i++ {
		v, _ := e.EstimateSeconds(a, c)
		if v != 42 {
			t.Fatalf("expected 42, got %f", v)
		}
	}
	if b.calls != 1 {
		t.Fatalf("expected cached lookups, backend called %d times", b.calls)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 1, Lon: 2}
	c.Set(a, b, 5)
	if v, ok := c.Get(a, b); !ok || v != 5 {
		t.Fatalf("expected fresh entry, got %v %v", v, ok)
	}
	if _, ok := c.Get(b, a); ok {
		t.Fatal("legs are directed")
	}
	now = now.Add(61 * time.Second)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected expired entry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be evicted, len=%d", c.Len())
	}
}

func TestOSRMClientParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":123.5}]}`))
	}))
	defer srv.Close()
	o := NewOSRMClient(srv.URL)
	v, err := o.EstimateSeconds(models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4})
	if err != nil {
		t.Fatal(err)
	}
	if v != 123.5 {
		t.Fatalf("expected 123.5, got %f", v)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"NoRoute","message":"Impossible route between points"}`))
	}))
	defer srv.Close()
	o := NewOSRMClient(srv.URL + "/")
	_, err := o.EstimateSeconds(models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}
