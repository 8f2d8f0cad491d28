package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-pooling/internal/models"
)

// Conditions enforced atomically at the store boundary. Services translate
// these into caller-visible conflict/not-found errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrRideNotOpen    = errors.New("ride is not open for requests")
	ErrRideFull       = errors.New("no seats available")
	ErrDuplicateRider = errors.New("rider already has an entry for this ride")
)

// PoolStore persists pool requests.
type PoolStore interface {
	CreatePoolRequest(ctx context.Context, pr *models.PoolRequest) error
	GetPoolRequest(ctx context.Context, id string) (*models.PoolRequest, error)
	ListOpenPoolRequests(ctx context.Context) ([]models.PoolRequest, error)
	ListPoolRequestsByRequester(ctx context.Context, userID string) ([]models.PoolRequest, error)
	// UpdatePoolRequestStatus is a compare-and-set; returns false when the
	// request is no longer in the expected status.
	UpdatePoolRequestStatus(ctx context.Context, id string, from, to models.PoolStatus) (bool, error)
	DeletePoolRequest(ctx context.Context, id string) error
}

// RideStore persists rides and their rider entries.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// AppendRiderEntry is the single compound atomic operation: it appends the
	// entry only if the ride is open, the rider has no existing entry, and the
	// occupied-seat count is below capacity. The check and the append are one
	// read-modify-write; concurrent calls never double-book the last seat.
	AppendRiderEntry(ctx context.Context, rideID string, e models.RiderEntry) error
	// UpdateRiderStatus is a compare-and-set on the entry's status. acceptedAt,
	// when non-nil, stamps the acceptance time.
	UpdateRiderStatus(ctx context.Context, rideID, riderID string, from, to models.SeatStatus, acceptedAt *time.Time, verificationRequested bool) (bool, error)
	UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus) (bool, error)
	SetRideGroup(ctx context.Context, id, groupID string) error
	// SetPaymentIntent records the card hold placed for the rider's seat.
	SetPaymentIntent(ctx context.Context, rideID, riderID, intentID string) error
	ListRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error)
}

// GroupStore persists derived chat groups and memberships.
type GroupStore interface {
	// EnsureGroup is get-or-create keyed on the unique group name. Creation
	// races resolve through the uniqueness constraint, never check-then-create.
	EnsureGroup(ctx context.Context, name string, kind models.GroupKind) (*models.Group, error)
	// AddMember is idempotent; reports whether a new membership was created.
	AddMember(ctx context.Context, groupID, userID, role string) (bool, error)
	ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error)
}

// Store is the full persistence collaborator.
type Store interface {
	PoolStore
	RideStore
	GroupStore
}
