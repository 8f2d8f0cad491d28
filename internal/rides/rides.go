package rides

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
	"github.com/example/ride-pooling/internal/storage"
)

var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("actor not allowed to perform this transition")
	ErrNotFound     = errors.New("ride or rider entry not found")
	ErrInvalidState = errors.New("invalid state transition")
	ErrConflict     = errors.New("ride state conflict")
)

// Notifier delivers fire-and-forget notifications to users.
type Notifier interface {
	Notify(recipientID, kind string, payload map[string]any) error
}

// GroupProjector adds a verified rider to the ride's own chat group and to
// the global community group, returning the ride group's id.
type GroupProjector interface {
	ProjectPaidRider(ctx context.Context, ride *models.Ride, riderID string) (string, error)
}

// EventPublisher streams applied transitions to the event bus.
type EventPublisher interface {
	PublishSeatEvent(ev SeatEvent) error
}

// PaymentCapturer settles card holds placed through the optional online
// payment path: capture when the driver verifies, release when they reject.
type PaymentCapturer interface {
	CaptureSeat(ctx context.Context, paymentIntentID string) error
	ReleaseSeat(ctx context.Context, paymentIntentID string) error
}

// Service governs a rider's lifecycle within a single ride listing. Every
// transition is all-or-nothing: the status compare-and-set either applies
// cleanly or the call fails with no state change. Notifications, group
// projection, and event publishing are best-effort side effects that never
// roll back the transition that triggered them.
type Service struct {
	Store    storage.RideStore
	Notify   Notifier
	Groups   GroupProjector
	Events   EventPublisher
	Payments PaymentCapturer // optional
	Logger   *slog.Logger
}

type CreateRideCommand struct {
	Pickup         models.Location
	Destination    models.Location
	DepartAt       time.Time
	SeatsAvailable int
	PricePerSeat   int64
}

// CreateRide publishes a new listing owned by the acting driver.
func (s *Service) CreateRide(ctx context.Context, actor models.Actor, cmd CreateRideCommand) (*models.Ride, error) {
	if actor.ID == "" {
		return nil, ErrUnauthorized
	}
	if cmd.SeatsAvailable < 1 || cmd.PricePerSeat < 0 {
		return nil, ErrBadRequest
	}
	if cmd.DepartAt.IsZero() || !cmd.Pickup.Provided() || !cmd.Destination.Provided() {
		return nil, ErrBadRequest
	}
	if !cmd.Pickup.Point.Valid() || !cmd.Destination.Point.Valid() {
		return nil, ErrBadRequest
	}
	now := time.Now()
	r := &models.Ride{
		ID:             newID(),
		DriverID:       actor.ID,
		Pickup:         cmd.Pickup,
		Destination:    cmd.Destination,
		DepartAt:       cmd.DepartAt,
		SeatsAvailable: cmd.SeatsAvailable,
		PricePerSeat:   cmd.PricePerSeat,
		Status:         models.RideOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.Store.GetRide(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Service) ListRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	return s.Store.ListRidesByDriver(ctx, driverID)
}

// RequestSeat creates the rider's entry in Requested state. The capacity
// check and the append are one atomic store operation; there is no waitlist,
// a full ride rejects the request outright.
func (s *Service) RequestSeat(ctx context.Context, actor models.Actor, rideID string) error {
	if actor.ID == "" {
		return ErrUnauthorized
	}
	e := models.RiderEntry{
		RiderID:     actor.ID,
		Status:      models.SeatRequested,
		RequestedAt: time.Now(),
	}
	if err := s.Store.AppendRiderEntry(ctx, rideID, e); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, storage.ErrRideNotOpen),
			errors.Is(err, storage.ErrRideFull),
			errors.Is(err, storage.ErrDuplicateRider):
			observability.TransitionRejectsTotal.WithLabelValues("conflict").Inc()
			return fmt.Errorf("%w: %s", ErrConflict, err)
		default:
			return err
		}
	}
	observability.SeatTransitionsTotal.WithLabelValues(string(models.SeatRequested)).Inc()
	s.publish(SeatEvent{RideID: rideID, RiderID: actor.ID, ToStatus: models.SeatRequested, ActorID: actor.ID, At: time.Now()})
	if r, err := s.Store.GetRide(ctx, rideID); err == nil {
		s.notify(r.DriverID, models.NotifySeatRequested, map[string]any{"ride_id": rideID, "rider_id": actor.ID})
	}
	return nil
}

// Accept moves a requested rider to Accepted and stamps the acceptance time.
// Driver-only.
func (s *Service) Accept(ctx context.Context, actor models.Actor, rideID, riderID string) error {
	now := time.Now()
	_, err := s.driverTransition(ctx, actor, rideID, riderID, models.SeatAccepted, &now, false)
	return err
}

// Reject declines a seat request. Terminal for that rider on that ride.
// Driver-only.
func (s *Service) Reject(ctx context.Context, actor models.Actor, rideID, riderID string) error {
	_, err := s.driverTransition(ctx, actor, rideID, riderID, models.SeatRejected, nil, false)
	return err
}

// MarkPendingPayment flags an accepted rider as owing payment. A driver
// bookkeeping state, distinct from the implicit awaiting-payment of Accepted.
// Driver-only.
func (s *Service) MarkPendingPayment(ctx context.Context, actor models.Actor, rideID, riderID string) error {
	_, err := s.driverTransition(ctx, actor, rideID, riderID, models.SeatPendingPayment, nil, false)
	return err
}

// RequestPaymentVerification is the rider's "I have paid" signal. Rider-only,
// on their own entry. Notifies the driver.
func (s *Service) RequestPaymentVerification(ctx context.Context, actor models.Actor, rideID string) error {
	r, entry, err := s.loadEntry(ctx, rideID, actor.ID)
	if err != nil {
		return err
	}
	if err := s.applySeatCAS(ctx, r, entry, models.SeatVerificationPending, nil, true); err != nil {
		return err
	}
	s.notify(r.DriverID, models.NotifyPaymentVerificationRequested, map[string]any{
		"ride_id": rideID, "rider_id": actor.ID,
	})
	return nil
}

// VerifyPayment is the driver's confirmation that the rider's off-band
// payment arrived. Clears the verification flag, projects the rider into the
// ride and community groups, and notifies the rider.
func (s *Service) VerifyPayment(ctx context.Context, actor models.Actor, rideID, riderID string) error {
	r, err := s.driverTransition(ctx, actor, rideID, riderID, models.SeatPaid, nil, false)
	if err != nil {
		return err
	}
	if entry, ok := r.Entry(riderID); ok && s.Payments != nil && entry.PaymentIntentID != "" {
		if perr := s.Payments.CaptureSeat(ctx, entry.PaymentIntentID); perr != nil {
			s.logf("payment capture failed", "ride_id", rideID, "rider_id", riderID, "intent", entry.PaymentIntentID, "error", perr)
		}
	}
	if s.Groups != nil {
		groupID, perr := s.Groups.ProjectPaidRider(ctx, r, riderID)
		if perr != nil {
			s.logf("group projection failed", "ride_id", rideID, "rider_id", riderID, "error", perr)
		}
		if groupID != "" && r.GroupID == "" {
			if serr := s.Store.SetRideGroup(ctx, rideID, groupID); serr != nil {
				s.logf("stamping ride group failed", "ride_id", rideID, "error", serr)
			}
		}
	}
	s.notify(riderID, models.NotifyPaymentVerified, map[string]any{"ride_id": rideID})
	return nil
}

// RejectPayment reverts a verification-pending rider to awaiting payment and
// notifies them. Driver-only.
func (s *Service) RejectPayment(ctx context.Context, actor models.Actor, rideID, riderID string) error {
	r, err := s.driverTransition(ctx, actor, rideID, riderID, models.SeatAccepted, nil, false)
	if err != nil {
		return err
	}
	if entry, ok := r.Entry(riderID); ok && s.Payments != nil && entry.PaymentIntentID != "" {
		if perr := s.Payments.ReleaseSeat(ctx, entry.PaymentIntentID); perr != nil {
			s.logf("payment release failed", "ride_id", rideID, "rider_id", riderID, "intent", entry.PaymentIntentID, "error", perr)
		}
	}
	s.notify(riderID, models.NotifyPaymentRejected, map[string]any{"ride_id": rideID})
	return nil
}

// AttachPaymentIntent records a card hold placed for the rider's own seat so
// that a later verification can capture it, or a rejection release it.
// Rider-only; refused once the entry is terminal or already paid.
func (s *Service) AttachPaymentIntent(ctx context.Context, actor models.Actor, rideID, intentID string) error {
	if intentID == "" {
		return ErrBadRequest
	}
	_, entry, err := s.loadEntry(ctx, rideID, actor.ID)
	if err != nil {
		return err
	}
	if entry.Status == models.SeatRejected || entry.Status == models.SeatPaid {
		return ErrInvalidState
	}
	if err := s.Store.SetPaymentIntent(ctx, rideID, actor.ID, intentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// RevertPaid is the driver's administrative correction of an erroneous
// verification. No side effects beyond the status change.
func (s *Service) RevertPaid(ctx context.Context, actor models.Actor, rideID, riderID string) error {
	_, err := s.driverTransition(ctx, actor, rideID, riderID, models.SeatPendingPayment, nil, false)
	return err
}

// CloseRide stops new seat requests. Driver-only, irreversible.
func (s *Service) CloseRide(ctx context.Context, actor models.Actor, rideID string) error {
	return s.rideTransition(ctx, actor, rideID, models.RideOpen, models.RideClosed, false)
}

// CompleteRide marks the listing done. Driver or admin.
func (s *Service) CompleteRide(ctx context.Context, actor models.Actor, rideID string) error {
	r, err := s.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status == models.RideCompleted {
		return ErrInvalidState
	}
	return s.rideTransition(ctx, actor, rideID, r.Status, models.RideCompleted, true)
}

// driverTransition applies a driver-authorized seat status change using the
// transition table, then streams the event. Returns the ride as loaded before
// the transition.
func (s *Service) driverTransition(ctx context.Context, actor models.Actor, rideID, riderID string, to models.SeatStatus, acceptedAt *time.Time, verificationRequested bool) (*models.Ride, error) {
	r, entry, err := s.loadEntry(ctx, rideID, riderID)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.DriverID {
		observability.TransitionRejectsTotal.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	}
	if err := s.applySeatCAS(ctx, r, entry, to, acceptedAt, verificationRequested); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) loadEntry(ctx context.Context, rideID, riderID string) (*models.Ride, models.RiderEntry, error) {
	r, err := s.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, models.RiderEntry{}, ErrNotFound
	}
	if err != nil {
		return nil, models.RiderEntry{}, err
	}
	entry, ok := r.Entry(riderID)
	if !ok {
		return nil, models.RiderEntry{}, ErrNotFound
	}
	return r, entry, nil
}

func (s *Service) applySeatCAS(ctx context.Context, r *models.Ride, entry models.RiderEntry, to models.SeatStatus, acceptedAt *time.Time, verificationRequested bool) error {
	if !CanTransition(entry.Status, to) {
		observability.TransitionRejectsTotal.WithLabelValues("invalid_state").Inc()
		return ErrInvalidState
	}
	ok, err := s.Store.UpdateRiderStatus(ctx, r.ID, entry.RiderID, entry.Status, to, acceptedAt, verificationRequested)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !ok {
		observability.TransitionRejectsTotal.WithLabelValues("conflict").Inc()
		return ErrConflict
	}
	observability.SeatTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.publish(SeatEvent{RideID: r.ID, RiderID: entry.RiderID, FromStatus: entry.Status, ToStatus: to, At: time.Now()})
	return nil
}

func (s *Service) rideTransition(ctx context.Context, actor models.Actor, rideID string, from, to models.RideStatus, allowAdmin bool) error {
	r, err := s.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if actor.ID != r.DriverID && !(allowAdmin && actor.IsAdmin()) {
		return ErrUnauthorized
	}
	ok, err := s.Store.UpdateRideStatus(ctx, rideID, from, to)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *Service) notify(recipientID, kind string, payload map[string]any) {
	if s.Notify == nil {
		return
	}
	// delivery is metered by the dispatch layer
	if err := s.Notify.Notify(recipientID, kind, payload); err != nil {
		s.logf("notification failed", "recipient", recipientID, "kind", kind, "error", err)
	}
}

func (s *Service) publish(ev SeatEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishSeatEvent(ev); err != nil {
		s.logf("seat event publish failed", "ride_id", ev.RideID, "rider_id", ev.RiderID, "error", err)
	}
}

func (s *Service) logf(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Warn(msg, args...)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
