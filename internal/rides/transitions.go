package rides

import (
	"time"

	"github.com/example/ride-pooling/internal/models"
)

// allowedTransitions represents the seat state flow as code. Any transition
// not enumerated here is rejected, whatever the caller's role.
var allowedTransitions = map[models.SeatStatus][]models.SeatStatus{
	models.SeatRequested:           {models.SeatAccepted, models.SeatRejected},
	models.SeatAccepted:            {models.SeatPendingPayment, models.SeatVerificationPending},
	models.SeatPendingPayment:      {models.SeatVerificationPending},
	models.SeatVerificationPending: {models.SeatPaid, models.SeatAccepted},
	models.SeatPaid:                {models.SeatPendingPayment},
	// SeatRejected is terminal: no re-request on the same ride.
}

func CanTransition(from, to models.SeatStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// SeatEvent records one applied transition, published to the event stream.
type SeatEvent struct {
	RideID     string            `json:"ride_id"`
	RiderID    string            `json:"rider_id"`
	FromStatus models.SeatStatus `json:"from_status,omitempty"`
	ToStatus   models.SeatStatus `json:"to_status"`
	ActorID    string            `json:"actor_id"`
	At         time.Time         `json:"at"`
}
