package models

import (
	"encoding/json"
	"time"
)

// GeoPoint is a WGS84 coordinate pair in decimal degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies inside the WGS84 coordinate ranges.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Location pairs a human-readable address with its coordinates.
type Location struct {
	Address string   `json:"address"`
	Point   GeoPoint `json:"coordinates"`
}

// Provided reports whether the location was actually supplied. A decoded
// request body with the field absent leaves both the address empty and the
// point at the zero value, which must read as missing, not as 0,0.
func (l Location) Provided() bool {
	return l.Address != "" || l.Point != (GeoPoint{})
}

// Gender preference on a pool request. Any matches everything.
type Gender string

const (
	GenderAny    Gender = "any"
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
)

// Compatible reports whether two preferences accept each other.
// An empty preference is treated as Any.
func (g Gender) Compatible(other Gender) bool {
	if g == GenderAny || g == "" || other == GenderAny || other == "" {
		return true
	}
	return g == other
}

type PoolStatus string

const (
	PoolOpen      PoolStatus = "open"
	PoolMatched   PoolStatus = "matched"
	PoolCompleted PoolStatus = "completed"
	PoolCancelled PoolStatus = "cancelled"
)

// PoolRequest is an ad-hoc one-off ride-share ask, matched opportunistically
// against other open requests.
type PoolRequest struct {
	ID              string     `json:"id"`
	RequesterID     string     `json:"requester_id"`
	Pickup          Location   `json:"pickup"`
	Drop            Location   `json:"drop"`
	DepartAt        time.Time  `json:"depart_at"`
	PreferredGender Gender     `json:"preferred_gender"`
	SeatsNeeded     int        `json:"seats_needed"`
	TravelMode      string     `json:"travel_mode"`
	Status          PoolStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type RideStatus string

const (
	RideOpen      RideStatus = "open"
	RideClosed    RideStatus = "closed"
	RideCompleted RideStatus = "completed"
)

// SeatStatus is the state of one rider's seat on one ride.
type SeatStatus string

const (
	SeatRequested           SeatStatus = "requested"
	SeatAccepted            SeatStatus = "accepted"
	SeatRejected            SeatStatus = "rejected"
	SeatPendingPayment      SeatStatus = "pending_payment"
	SeatVerificationPending SeatStatus = "payment_verification_pending"
	SeatPaid                SeatStatus = "paid"
)

// RiderEntry is the record of one rider's relationship to one ride.
// At most one entry exists per (ride, rider) pair.
type RiderEntry struct {
	RiderID                      string     `json:"rider_id"`
	Status                       SeatStatus `json:"status"`
	RequestedAt                  time.Time  `json:"requested_at"`
	AcceptedAt                   *time.Time `json:"accepted_at,omitempty"`
	PaymentVerificationRequested bool       `json:"payment_verification_requested"`
	PaymentIntentID              string     `json:"payment_intent_id,omitempty"`
}

// HoldsSeat reports whether this entry consumes a seat. Every entry that has
// not been rejected holds a seat, so a ride can never admit more riders than
// it has capacity for, even while requests are still pending driver review.
func (e RiderEntry) HoldsSeat() bool {
	return e.Status != SeatRejected
}

// Ride is a driver-published, seat-limited listing.
// SeatsAvailable is the capacity ceiling, not a live counter; free seats are
// always derived via AvailableSeats.
type Ride struct {
	ID             string       `json:"id"`
	DriverID       string       `json:"driver_id"`
	Pickup         Location     `json:"pickup"`
	Destination    Location     `json:"destination"`
	DepartAt       time.Time    `json:"depart_at"`
	SeatsAvailable int          `json:"seats_available"`
	PricePerSeat   int64        `json:"price_per_seat"`
	Status         RideStatus   `json:"status"`
	Riders         []RiderEntry `json:"riders"`
	GroupID        string       `json:"group_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OccupiedSeats is the single authoritative seat-occupancy derivation used
// everywhere capacity is checked or displayed.
func (r *Ride) OccupiedSeats() int {
	n := 0
	for _, e := range r.Riders {
		if e.HoldsSeat() {
			n++
		}
	}
	return n
}

func (r *Ride) AvailableSeats() int {
	free := r.SeatsAvailable - r.OccupiedSeats()
	if free < 0 {
		free = 0
	}
	return free
}

// MarshalJSON adds the derived seat counts to the wire form so clients read
// occupancy instead of re-deriving it from the entries.
func (r Ride) MarshalJSON() ([]byte, error) {
	type plain Ride
	return json.Marshal(struct {
		plain
		OccupiedSeats  int `json:"occupied_seats"`
		AvailableSeats int `json:"available_seats"`
	}{plain(r), r.OccupiedSeats(), r.AvailableSeats()})
}

// Entry returns the rider's entry on this ride, if any.
func (r *Ride) Entry(riderID string) (RiderEntry, bool) {
	for _, e := range r.Riders {
		if e.RiderID == riderID {
			return e, true
		}
	}
	return RiderEntry{}, false
}

type GroupKind string

const (
	GroupRide      GroupKind = "ride"
	GroupPool      GroupKind = "pool"
	GroupCommunity GroupKind = "community"
)

// Group is a derived chat/community entity; a membership projection, never
// authoritative over ride state.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      GroupKind `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type GroupMember struct {
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Actor is the authenticated caller identity supplied by the external auth
// collaborator and trusted as-is.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

const RoleAdmin = "admin"

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// MatchResult is one scored candidate returned by the pool matcher.
type MatchResult struct {
	Candidate         PoolRequest `json:"candidate"`
	Score             float64     `json:"match_score"`
	PickupDistanceM   float64     `json:"pickup_distance_m"`
	DropDistanceM     float64     `json:"drop_distance_m"`
	TimeDifferenceMin float64     `json:"time_difference_min"`
	EstimatedTripSec  float64     `json:"estimated_trip_seconds,omitempty"`
}

// Notification kinds delivered through the dispatch sink.
const (
	NotifyPaymentVerificationRequested = "payment-verification-requested"
	NotifyPaymentVerified              = "payment-verified"
	NotifyPaymentRejected              = "payment-rejected"
	NotifySeatRequested                = "seat-request-received"
	NotifyMatchProposed                = "match-proposed"
)

// Notification is the payload pushed to a user over WS or push channels.
type Notification struct {
	RecipientID string         `json:"recipient_id"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	SentAt      time.Time      `json:"sent_at"`
}
