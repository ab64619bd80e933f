package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// These run against a scratch database with migrations applied.
func testPostgres(t *testing.T) *PostgresStore {
	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set")
	}
	p, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPostgresDuplicateRequest(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()
	rider := "rider-" + uuid.NewString()
	first := pending(uuid.NewString(), rider)
	first.RequestTimestamp = time.Now().UTC()
	if dup, err := p.InsertRequest(ctx, first); err != nil || dup {
		t.Fatalf("first insert: %v %v", dup, err)
	}
	second := pending(uuid.NewString(), rider)
	second.RequestTimestamp = time.Now().UTC()
	dup, err := p.InsertRequest(ctx, second)
	if err != nil || !dup {
		t.Fatalf("second insert: %v %v", dup, err)
	}
	got, err := p.GetRequest(ctx, second.ID)
	if err != nil || got.Status != models.RequestCancelled {
		t.Fatalf("expected cancelled duplicate, got %+v %v", got, err)
	}
}

func TestPostgresRouteLock(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()
	driver := "driver-" + uuid.NewString()
	now := time.Now().UTC()
	if _, ok, err := p.TryLockRoute(ctx, driver, "a", now); err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	if _, ok, err := p.TryLockRoute(ctx, driver, "b", now); err != nil || ok {
		t.Fatalf("second lock must fail: %v %v", ok, err)
	}
	if _, ok, _ := p.StealRouteLock(ctx, driver, "a", "c", now); !ok {
		t.Fatal("steal should win")
	}
	if _, ok, _ := p.StealRouteLock(ctx, driver, "a", "d", now); ok {
		t.Fatal("second steal must lose")
	}
	if err := p.SaveRoute(ctx, &models.Route{DriverID: driver, ID: "r", LockToken: "a", LastUpdate: now}); err != models.ErrConcurrentModification {
		t.Fatalf("stale save: %v", err)
	}
	if err := p.UnlockRoute(ctx, driver, "c"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p.TryLockRoute(ctx, driver, "e", now); !ok {
		t.Fatal("lock should be free after unlock")
	}
}
