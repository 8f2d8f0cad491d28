package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/storage"
)

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingNotifier) Notify(recipientID, kind string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, recipientID+":"+kind)
	return nil
}

type fakeProjector struct {
	calls   int
	groupID string
}

func (f *fakeProjector) ProjectPaidRider(ctx context.Context, ride *models.Ride, riderID string) (string, error) {
	f.calls++
	return f.groupID, nil
}

type recordingCapturer struct {
	captured []string
	released []string
}

func (r *recordingCapturer) CaptureSeat(ctx context.Context, id string) error {
	r.captured = append(r.captured, id)
	return nil
}

func (r *recordingCapturer) ReleaseSeat(ctx context.Context, id string) error {
	r.released = append(r.released, id)
	return nil
}

func loc(lat, lon float64) models.Location {
	return models.Location{Address: "x", Point: models.GeoPoint{Lat: lat, Lon: lon}}
}

func newTestService() (*Service, *storage.MemoryStore, *recordingNotifier, *fakeProjector) {
	store := storage.NewMemoryStore()
	n := &recordingNotifier{}
	p := &fakeProjector{groupID: "g-ride"}
	return &Service{Store: store, Notify: n, Groups: p}, store, n, p
}

func createRide(t *testing.T, s *Service, driverID string, seats int) *models.Ride {
	t.Helper()
	r, err := s.CreateRide(context.Background(), models.Actor{ID: driverID}, CreateRideCommand{
		Pickup:         loc(12.95, 77.60),
		Destination:    loc(12.99, 77.70),
		DepartAt:       time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		SeatsAvailable: seats,
		PricePerSeat:   150,
	})
	if err != nil {
		t.Fatalf("CreateRide: %v", err)
	}
	return r
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.SeatStatus
		want     bool
	}{
		{models.SeatRequested, models.SeatAccepted, true},
		{models.SeatRequested, models.SeatRejected, true},
		{models.SeatRequested, models.SeatPaid, false},
		{models.SeatAccepted, models.SeatPendingPayment, true},
		{models.SeatAccepted, models.SeatVerificationPending, true},
		{models.SeatAccepted, models.SeatRejected, false},
		{models.SeatPendingPayment, models.SeatVerificationPending, true},
		{models.SeatPendingPayment, models.SeatPaid, false},
		{models.SeatVerificationPending, models.SeatPaid, true},
		{models.SeatVerificationPending, models.SeatAccepted, true},
		{models.SeatVerificationPending, models.SeatRejected, false},
		{models.SeatPaid, models.SeatPendingPayment, true},
		{models.SeatPaid, models.SeatAccepted, false},
		{models.SeatRejected, models.SeatRequested, false},
		{models.SeatRejected, models.SeatAccepted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSeatLifecycleHappyPath(t *testing.T) {
	s, store, n, p := newTestService()
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	rider := models.Actor{ID: "rider-1"}
	ride := createRide(t, s, driver.ID, 3)

	if err := s.RequestSeat(ctx, rider, ride.ID); err != nil {
		t.Fatalf("RequestSeat: %v", err)
	}
	if err := s.Accept(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	entry, _ := got.Entry(rider.ID)
	if entry.Status != models.SeatAccepted {
		t.Fatalf("status = %s, want accepted", entry.Status)
	}
	if entry.AcceptedAt == nil {
		t.Fatal("AcceptedAt not stamped on accept")
	}

	if err := s.RequestPaymentVerification(ctx, rider, ride.ID); err != nil {
		t.Fatalf("RequestPaymentVerification: %v", err)
	}
	got, _ = store.GetRide(ctx, ride.ID)
	entry, _ = got.Entry(rider.ID)
	if entry.Status != models.SeatVerificationPending || !entry.PaymentVerificationRequested {
		t.Fatalf("entry = %+v, want verification pending with flag set", entry)
	}

	if err := s.VerifyPayment(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	got, _ = store.GetRide(ctx, ride.ID)
	entry, _ = got.Entry(rider.ID)
	if entry.Status != models.SeatPaid {
		t.Fatalf("status = %s, want paid", entry.Status)
	}
	if entry.PaymentVerificationRequested {
		t.Fatal("verification flag not cleared after verify")
	}
	if p.calls != 1 {
		t.Fatalf("projector calls = %d, want 1", p.calls)
	}
	if got.GroupID != "g-ride" {
		t.Fatalf("ride GroupID = %q, want stamped group", got.GroupID)
	}

	wantKinds := []string{
		"driver-1:" + models.NotifySeatRequested,
		"driver-1:" + models.NotifyPaymentVerificationRequested,
		"rider-1:" + models.NotifyPaymentVerified,
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.kinds) != len(wantKinds) {
		t.Fatalf("notifications = %v, want %v", n.kinds, wantKinds)
	}
	for i, w := range wantKinds {
		if n.kinds[i] != w {
			t.Fatalf("notification[%d] = %s, want %s", i, n.kinds[i], w)
		}
	}
}

func TestRequestSeatCapacityAndDuplicates(t *testing.T) {
	s, _, _, _ := newTestService()
	ctx := context.Background()
	ride := createRide(t, s, "driver-1", 1)

	if err := s.RequestSeat(ctx, models.Actor{ID: "rider-a"}, ride.ID); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// a pending request already consumes the only seat
	if err := s.RequestSeat(ctx, models.Actor{ID: "rider-b"}, ride.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("second request = %v, want conflict", err)
	}
	if err := s.RequestSeat(ctx, models.Actor{ID: "rider-a"}, ride.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate request = %v, want conflict", err)
	}
}

func TestRejectFreesSeat(t *testing.T) {
	s, _, _, _ := newTestService()
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	ride := createRide(t, s, driver.ID, 1)

	if err := s.RequestSeat(ctx, models.Actor{ID: "rider-a"}, ride.ID); err != nil {
		t.Fatalf("request a: %v", err)
	}
	if err := s.Reject(ctx, driver, ride.ID, "rider-a"); err != nil {
		t.Fatalf("reject a: %v", err)
	}
	if err := s.RequestSeat(ctx, models.Actor{ID: "rider-b"}, ride.ID); err != nil {
		t.Fatalf("request b after reject: %v", err)
	}
	// the rejected rider cannot come back on the same ride
	if err := s.RequestSeat(ctx, models.Actor{ID: "rider-a"}, ride.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("re-request after reject = %v, want conflict", err)
	}
}

func TestConcurrentSeatRequestsSingleSeat(t *testing.T) {
	s, store, _, _ := newTestService()
	ctx := context.Background()
	ride := createRide(t, s, "driver-1", 1)

	const riders = 8
	start := make(chan struct{})
	errs := make([]error, riders)
	var wg sync.WaitGroup
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = s.RequestSeat(ctx, models.Actor{ID: "rider-" + string(rune('a'+i))}, ride.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 {
		t.Fatalf("winners = %d, want exactly 1", okCount)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	if got.OccupiedSeats() != 1 || got.AvailableSeats() != 0 {
		t.Fatalf("occupancy = %d/%d", got.OccupiedSeats(), got.SeatsAvailable)
	}
}

func TestDriverOnlyTransitions(t *testing.T) {
	s, store, _, _ := newTestService()
	ctx := context.Background()
	ride := createRide(t, s, "driver-1", 2)
	rider := models.Actor{ID: "rider-1"}

	if err := s.RequestSeat(ctx, rider, ride.ID); err != nil {
		t.Fatalf("RequestSeat: %v", err)
	}
	// the rider cannot accept themselves, nor can a stranger
	for _, actor := range []models.Actor{rider, {ID: "someone-else"}} {
		if err := s.Accept(ctx, actor, ride.ID, rider.ID); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("Accept by %s = %v, want unauthorized", actor.ID, err)
		}
	}
	got, _ := store.GetRide(ctx, ride.ID)
	entry, _ := got.Entry(rider.ID)
	if entry.Status != models.SeatRequested {
		t.Fatalf("status changed to %s after denied transitions", entry.Status)
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	s, store, _, _ := newTestService()
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	ride := createRide(t, s, driver.ID, 2)
	rider := models.Actor{ID: "rider-1"}

	if err := s.RequestSeat(ctx, rider, ride.ID); err != nil {
		t.Fatalf("RequestSeat: %v", err)
	}
	// cannot jump requested -> paid
	if err := s.VerifyPayment(ctx, driver, ride.ID, rider.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("VerifyPayment from requested = %v, want invalid state", err)
	}
	// the rider has not been accepted, so no payment signal either
	if err := s.RequestPaymentVerification(ctx, rider, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("RequestPaymentVerification from requested = %v, want invalid state", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	entry, _ := got.Entry(rider.ID)
	if entry.Status != models.SeatRequested {
		t.Fatalf("status = %s, want requested untouched", entry.Status)
	}
}

func TestRejectPaymentRevertsToAccepted(t *testing.T) {
	s, store, n, _ := newTestService()
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	rider := models.Actor{ID: "rider-1"}
	ride := createRide(t, s, driver.ID, 2)

	if err := s.RequestSeat(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.RequestPaymentVerification(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.RejectPayment(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatalf("RejectPayment: %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	entry, _ := got.Entry(rider.ID)
	if entry.Status != models.SeatAccepted {
		t.Fatalf("status = %s, want accepted", entry.Status)
	}
	if entry.PaymentVerificationRequested {
		t.Fatal("verification flag not cleared on payment reject")
	}
	n.mu.Lock()
	last := n.kinds[len(n.kinds)-1]
	n.mu.Unlock()
	if last != "rider-1:"+models.NotifyPaymentRejected {
		t.Fatalf("last notification = %s", last)
	}
	// the rider can try again
	if err := s.RequestPaymentVerification(ctx, rider, ride.ID); err != nil {
		t.Fatalf("re-request verification: %v", err)
	}
}

func TestRevertPaid(t *testing.T) {
	s, store, _, _ := newTestService()
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	rider := models.Actor{ID: "rider-1"}
	ride := createRide(t, s, driver.ID, 2)

	if err := s.RequestSeat(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.RequestPaymentVerification(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.VerifyPayment(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.RevertPaid(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatalf("RevertPaid: %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	entry, _ := got.Entry(rider.ID)
	if entry.Status != models.SeatPendingPayment {
		t.Fatalf("status = %s, want pending_payment", entry.Status)
	}
}

func TestCloseAndCompleteRide(t *testing.T) {
	s, _, _, _ := newTestService()
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	ride := createRide(t, s, driver.ID, 2)

	if err := s.CloseRide(ctx, models.Actor{ID: "not-driver"}, ride.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("close by stranger = %v, want unauthorized", err)
	}
	if err := s.CloseRide(ctx, driver, ride.ID); err != nil {
		t.Fatalf("CloseRide: %v", err)
	}
	if err := s.RequestSeat(ctx, models.Actor{ID: "rider-late"}, ride.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("request after close = %v, want conflict", err)
	}
	// admin may complete on the driver's behalf
	if err := s.CompleteRide(ctx, models.Actor{ID: "ops", Role: models.RoleAdmin}, ride.ID); err != nil {
		t.Fatalf("CompleteRide: %v", err)
	}
	if err := s.CompleteRide(ctx, driver, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second complete = %v, want invalid state", err)
	}
}

func TestCreateRideValidation(t *testing.T) {
	s, _, _, _ := newTestService()
	ctx := context.Background()
	base := CreateRideCommand{
		Pickup:         loc(12.95, 77.60),
		Destination:    loc(12.99, 77.70),
		DepartAt:       time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		SeatsAvailable: 2,
		PricePerSeat:   100,
	}

	if _, err := s.CreateRide(ctx, models.Actor{}, base); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("anonymous create = %v, want unauthorized", err)
	}

	bad := base
	bad.SeatsAvailable = 0
	if _, err := s.CreateRide(ctx, models.Actor{ID: "d"}, bad); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("zero seats = %v, want bad request", err)
	}

	bad = base
	bad.PricePerSeat = -1
	if _, err := s.CreateRide(ctx, models.Actor{ID: "d"}, bad); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("negative price = %v, want bad request", err)
	}

	bad = base
	bad.DepartAt = time.Time{}
	if _, err := s.CreateRide(ctx, models.Actor{ID: "d"}, bad); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("zero depart = %v, want bad request", err)
	}

	bad = base
	bad.Pickup.Point.Lat = 91
	if _, err := s.CreateRide(ctx, models.Actor{ID: "d"}, bad); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("out-of-range pickup = %v, want bad request", err)
	}

	bad = base
	bad.Destination = models.Location{}
	if _, err := s.CreateRide(ctx, models.Actor{ID: "d"}, bad); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("missing destination = %v, want bad request", err)
	}
}

func TestCardHoldCapturedOnVerify(t *testing.T) {
	s, store, _, _ := newTestService()
	holds := &recordingCapturer{}
	s.Payments = holds
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	rider := models.Actor{ID: "rider-1"}
	ride := createRide(t, s, driver.ID, 2)

	if err := s.RequestSeat(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachPaymentIntent(ctx, rider, ride.ID, "pi_123"); err != nil {
		t.Fatalf("AttachPaymentIntent: %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	if e, _ := got.Entry(rider.ID); e.PaymentIntentID != "pi_123" {
		t.Fatalf("intent = %q, want pi_123", e.PaymentIntentID)
	}

	if err := s.RequestPaymentVerification(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.VerifyPayment(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatal(err)
	}
	if len(holds.captured) != 1 || holds.captured[0] != "pi_123" {
		t.Fatalf("captured = %v, want the recorded hold", holds.captured)
	}
	if len(holds.released) != 0 {
		t.Fatalf("released = %v, want none", holds.released)
	}
}

func TestCardHoldReleasedOnPaymentReject(t *testing.T) {
	s, _, _, _ := newTestService()
	holds := &recordingCapturer{}
	s.Payments = holds
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	rider := models.Actor{ID: "rider-1"}
	ride := createRide(t, s, driver.ID, 2)

	if err := s.RequestSeat(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachPaymentIntent(ctx, rider, ride.ID, "pi_456"); err != nil {
		t.Fatal(err)
	}
	if err := s.RequestPaymentVerification(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.RejectPayment(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatal(err)
	}
	if len(holds.released) != 1 || holds.released[0] != "pi_456" {
		t.Fatalf("released = %v, want the recorded hold", holds.released)
	}
	if len(holds.captured) != 0 {
		t.Fatalf("captured = %v, want none", holds.captured)
	}
}

func TestAttachPaymentIntentGuards(t *testing.T) {
	s, _, _, _ := newTestService()
	ctx := context.Background()
	driver := models.Actor{ID: "driver-1"}
	rider := models.Actor{ID: "rider-1"}
	ride := createRide(t, s, driver.ID, 2)

	if err := s.AttachPaymentIntent(ctx, rider, ride.ID, ""); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("empty intent = %v, want bad request", err)
	}
	// no entry yet
	if err := s.AttachPaymentIntent(ctx, rider, ride.ID, "pi_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no entry = %v, want not found", err)
	}

	if err := s.RequestSeat(ctx, rider, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Reject(ctx, driver, ride.ID, rider.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachPaymentIntent(ctx, rider, ride.ID, "pi_1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rejected entry = %v, want invalid state", err)
	}
}

func TestSeatRequestOnUnknownRide(t *testing.T) {
	s, _, _, _ := newTestService()
	if err := s.RequestSeat(context.Background(), models.Actor{ID: "r"}, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if err := s.Accept(context.Background(), models.Actor{ID: "d"}, "nope", "r"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("accept = %v, want not found", err)
	}
}
