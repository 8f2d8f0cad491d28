package matcher

import (
	"math"
	"time"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
)

const (
	// Component weights. Distance and time are graded, gender is binary.
	maxDistancePoints = 40.0
	maxTimePoints     = 40.0
	genderPoints      = 20.0

	// AcceptThreshold is the minimum total score for a candidate to appear
	// in match results.
	AcceptThreshold = 30.0

	// CandidateWindow is the hard eligibility window around the query's
	// departure time. Applied before scoring; candidates outside it are
	// never scored, regardless of distance.
	CandidateWindow = 25 * time.Minute
)

// Query is a pool match request: where the rider starts, where they are
// going, when, and who they are willing to share with.
type Query struct {
	RequesterID     string
	Pickup          models.Location
	Drop            models.Location
	DepartAt        time.Time
	PreferredGender models.Gender
}

// Validate rejects queries with missing or out-of-range fields before any
// candidate is considered. An absent pickup or drop decodes to the zero
// Location, which must not be scored as coordinates 0,0.
func (q Query) Validate() error {
	if q.DepartAt.IsZero() {
		return ErrBadRequest
	}
	if !q.Pickup.Provided() || !q.Drop.Provided() {
		return ErrBadRequest
	}
	if !q.Pickup.Point.Valid() || !q.Drop.Point.Valid() {
		return ErrBadRequest
	}
	return nil
}

// WithinWindow reports whether the candidate's departure time falls inside
// the ±25-minute eligibility window of the query.
func WithinWindow(q Query, c models.PoolRequest) bool {
	diff := c.DepartAt.Sub(q.DepartAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= CandidateWindow
}

// Score grades an eligible candidate against the query and reports whether
// it clears the acceptance threshold.
//
// Weighted additive model, each component floored at zero:
//   - distance (max 40): every combined km of pickup+drop mismatch costs 1 point
//   - time (max 40): every 2 minutes of departure offset costs 1 point
//   - gender (20, binary): full points when either side accepts any, or both agree
//
// Total capped at 100.
func Score(q Query, c models.PoolRequest) (models.MatchResult, bool) {
	pickupDist := geo.Distance(q.Pickup.Point, c.Pickup.Point)
	dropDist := geo.Distance(q.Drop.Point, c.Drop.Point)
	timeDiffMin := math.Abs(c.DepartAt.Sub(q.DepartAt).Minutes())

	distScore := maxDistancePoints - (pickupDist+dropDist)/1000.0
	if distScore < 0 {
		distScore = 0
	}
	timeScore := maxTimePoints - timeDiffMin/2.0
	if timeScore < 0 {
		timeScore = 0
	}
	var genderScore float64
	if q.PreferredGender.Compatible(c.PreferredGender) {
		genderScore = genderPoints
	}

	total := distScore + timeScore + genderScore
	if total > 100 {
		total = 100
	}

	res := models.MatchResult{
		Candidate:         c,
		Score:             total,
		PickupDistanceM:   pickupDist,
		DropDistanceM:     dropDist,
		TimeDifferenceMin: timeDiffMin,
	}
	return res, total >= AcceptThreshold
}
