package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-pooling/internal/models"
)

func seedRide(t *testing.T, m *MemoryStore, seats int, status models.RideStatus) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:             "ride-1",
		DriverID:       "driver-1",
		SeatsAvailable: seats,
		Status:         status,
		CreatedAt:      time.Now(),
	}
	if err := m.CreateRide(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAppendRiderEntryErrors(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	entry := func(id string) models.RiderEntry {
		return models.RiderEntry{RiderID: id, Status: models.SeatRequested, RequestedAt: time.Now()}
	}

	if err := m.AppendRiderEntry(ctx, "missing", entry("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing ride = %v, want ErrNotFound", err)
	}

	seedRide(t, m, 1, models.RideOpen)
	if err := m.AppendRiderEntry(ctx, "ride-1", entry("a")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := m.AppendRiderEntry(ctx, "ride-1", entry("a")); !errors.Is(err, ErrDuplicateRider) {
		t.Fatalf("duplicate = %v, want ErrDuplicateRider", err)
	}
	if err := m.AppendRiderEntry(ctx, "ride-1", entry("b")); !errors.Is(err, ErrRideFull) {
		t.Fatalf("full = %v, want ErrRideFull", err)
	}

	if _, err := m.UpdateRideStatus(ctx, "ride-1", models.RideOpen, models.RideClosed); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendRiderEntry(ctx, "ride-1", entry("c")); !errors.Is(err, ErrRideNotOpen) {
		t.Fatalf("closed = %v, want ErrRideNotOpen", err)
	}
}

func TestRejectedEntryDoesNotHoldSeat(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRide(t, m, 1, models.RideOpen)

	if err := m.AppendRiderEntry(ctx, "ride-1", models.RiderEntry{RiderID: "a", Status: models.SeatRequested}); err != nil {
		t.Fatal(err)
	}
	ok, err := m.UpdateRiderStatus(ctx, "ride-1", "a", models.SeatRequested, models.SeatRejected, nil, false)
	if err != nil || !ok {
		t.Fatalf("reject: ok=%v err=%v", ok, err)
	}
	if err := m.AppendRiderEntry(ctx, "ride-1", models.RiderEntry{RiderID: "b", Status: models.SeatRequested}); err != nil {
		t.Fatalf("append after reject: %v", err)
	}
}

func TestUpdateRiderStatusCompareAndSet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRide(t, m, 2, models.RideOpen)
	if err := m.AppendRiderEntry(ctx, "ride-1", models.RiderEntry{RiderID: "a", Status: models.SeatRequested}); err != nil {
		t.Fatal(err)
	}

	// stale expected status loses without error
	ok, err := m.UpdateRiderStatus(ctx, "ride-1", "a", models.SeatAccepted, models.SeatPaid, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("CAS with stale from-status should report false")
	}

	if _, err := m.UpdateRiderStatus(ctx, "ride-1", "missing", models.SeatRequested, models.SeatAccepted, nil, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown rider = %v, want ErrNotFound", err)
	}

	now := time.Now()
	ok, err = m.UpdateRiderStatus(ctx, "ride-1", "a", models.SeatRequested, models.SeatAccepted, &now, false)
	if err != nil || !ok {
		t.Fatalf("CAS: ok=%v err=%v", ok, err)
	}
	r, _ := m.GetRide(ctx, "ride-1")
	e, _ := r.Entry("a")
	if e.Status != models.SeatAccepted || e.AcceptedAt == nil {
		t.Fatalf("entry = %+v", e)
	}
}

func TestPoolStatusCompareAndSet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	pr := &models.PoolRequest{ID: "p1", RequesterID: "u1", Status: models.PoolOpen, CreatedAt: time.Now()}
	if err := m.CreatePoolRequest(ctx, pr); err != nil {
		t.Fatal(err)
	}

	ok, err := m.UpdatePoolRequestStatus(ctx, "p1", models.PoolOpen, models.PoolMatched)
	if err != nil || !ok {
		t.Fatalf("CAS: ok=%v err=%v", ok, err)
	}
	ok, err = m.UpdatePoolRequestStatus(ctx, "p1", models.PoolOpen, models.PoolCancelled)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("CAS from stale status should report false")
	}
	if _, err := m.UpdatePoolRequestStatus(ctx, "missing", models.PoolOpen, models.PoolMatched); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing = %v, want ErrNotFound", err)
	}
}

func TestGetRideReturnsCopy(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRide(t, m, 2, models.RideOpen)
	if err := m.AppendRiderEntry(ctx, "ride-1", models.RiderEntry{RiderID: "a", Status: models.SeatRequested}); err != nil {
		t.Fatal(err)
	}

	r1, _ := m.GetRide(ctx, "ride-1")
	r1.Riders[0].Status = models.SeatPaid
	r1.Status = models.RideCompleted

	r2, _ := m.GetRide(ctx, "ride-1")
	if r2.Status != models.RideOpen {
		t.Fatal("mutating a returned ride leaked into the store")
	}
	if e, _ := r2.Entry("a"); e.Status != models.SeatRequested {
		t.Fatal("mutating a returned entry leaked into the store")
	}
}

func TestEnsureGroupGetOrCreate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	g1, err := m.EnsureGroup(ctx, "community", models.GroupCommunity)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := m.EnsureGroup(ctx, "community", models.GroupCommunity)
	if err != nil {
		t.Fatal(err)
	}
	if g1.ID != g2.ID {
		t.Fatalf("EnsureGroup created two groups: %s vs %s", g1.ID, g2.ID)
	}

	created, err := m.AddMember(ctx, g1.ID, "u1", "member")
	if err != nil || !created {
		t.Fatalf("first add: created=%v err=%v", created, err)
	}
	created, err = m.AddMember(ctx, g1.ID, "u1", "member")
	if err != nil || created {
		t.Fatalf("second add: created=%v err=%v", created, err)
	}
}
