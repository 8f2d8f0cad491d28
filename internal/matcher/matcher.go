package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-pooling/internal/eta"
	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
	"github.com/example/ride-pooling/internal/pools"
	"github.com/example/ride-pooling/internal/storage"
)

var (
	ErrBadRequest = errors.New("invalid match request")
	ErrNotFound   = errors.New("pool request not found")
	ErrForbidden  = errors.New("not the owner of this pool request")
	ErrConflict   = errors.New("pool request is no longer open")
)

// Notifier delivers fire-and-forget notifications to users.
type Notifier interface {
	Notify(recipientID, kind string, payload map[string]any) error
}

// GroupProjector maintains derived chat-group memberships.
type GroupProjector interface {
	AddToGroup(ctx context.Context, groupName string, kind models.GroupKind, userID string) error
}

// Service ranks open pool requests against a query. FindMatches is a
// read-only query; accepting a proposed match is the separate, explicit
// AcceptMatch action.
type Service struct {
	Store           storage.PoolStore
	Groups          GroupProjector
	Notify          Notifier
	Events          pools.EventPublisher // optional
	Index           geo.Index            // optional discovery index
	ETAClient       eta.Client           // optional OSRM client
	ETACache        *eta.Cache           // optional duration cache
	DefaultSpeedMps float64
	Logger          *slog.Logger
}

// FindMatches retrieves all open pool requests, drops the requester's own and
// anything outside the ±25-minute window, scores the survivors, filters by
// the acceptance threshold, and returns them sorted descending by score.
// Ties keep retrieval order. Safe to call repeatedly; no side effects.
func (s *Service) FindMatches(ctx context.Context, q Query) ([]models.MatchResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	cands, err := s.Store.ListOpenPoolRequests(ctx)
	if err != nil {
		return nil, err
	}

	tripSec := s.estimateTripSeconds(q)
	out := make([]models.MatchResult, 0, len(cands))
	for _, c := range cands {
		if c.RequesterID == q.RequesterID {
			continue
		}
		if !WithinWindow(q, c) {
			continue
		}
		res, ok := Score(q, c)
		if !ok {
			continue
		}
		res.EstimatedTripSec = tripSec
		out = append(out, res)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	observability.MatchQueriesTotal.Inc()
	observability.MatchesReturned.Observe(float64(len(out)))
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	return out, nil
}

// AcceptMatch marks both the caller's request and the chosen candidate as
// matched, creates a shared pool chat group, and notifies the counterpart.
// Group and notification side effects are best-effort; they never roll back
// the status change.
func (s *Service) AcceptMatch(ctx context.Context, actor models.Actor, requestID, candidateID string) error {
	if requestID == "" || candidateID == "" || requestID == candidateID {
		return ErrBadRequest
	}
	own, err := s.Store.GetPoolRequest(ctx, requestID)
	if err != nil {
		return mapStoreErr(err)
	}
	if own.RequesterID != actor.ID && !actor.IsAdmin() {
		return ErrForbidden
	}
	cand, err := s.Store.GetPoolRequest(ctx, candidateID)
	if err != nil {
		return mapStoreErr(err)
	}

	// Claim the contended side first.
	ok, err := s.Store.UpdatePoolRequestStatus(ctx, candidateID, models.PoolOpen, models.PoolMatched)
	if err != nil {
		return mapStoreErr(err)
	}
	if !ok {
		return ErrConflict
	}
	ok, err = s.Store.UpdatePoolRequestStatus(ctx, requestID, models.PoolOpen, models.PoolMatched)
	if err != nil || !ok {
		// release the candidate again
		if _, rerr := s.Store.UpdatePoolRequestStatus(ctx, candidateID, models.PoolMatched, models.PoolOpen); rerr != nil {
			s.logf("release candidate after failed accept", "candidate_id", candidateID, "error", rerr)
		}
		if err != nil {
			return mapStoreErr(err)
		}
		return ErrConflict
	}

	now := time.Now()
	if s.Index != nil {
		s.Index.Remove(requestID)
		s.Index.Remove(candidateID)
	}
	if s.Events != nil {
		own.Status, cand.Status = models.PoolMatched, models.PoolMatched
		for _, pr := range []*models.PoolRequest{own, cand} {
			if perr := s.Events.PublishPoolEvent(pools.Event{Kind: pools.EventMatched, Request: *pr, At: now}); perr != nil {
				s.logf("pool event publish failed", "request_id", pr.ID, "error", perr)
			}
		}
	}

	groupName := "pool:" + requestID
	if s.Groups != nil {
		for _, uid := range []string{own.RequesterID, cand.RequesterID} {
			if gerr := s.Groups.AddToGroup(ctx, groupName, models.GroupPool, uid); gerr != nil {
				s.logf("pool group join failed", "group", groupName, "user_id", uid, "error", gerr)
			}
		}
	}
	if s.Notify != nil {
		if nerr := s.Notify.Notify(cand.RequesterID, models.NotifyMatchProposed, map[string]any{
			"pool_request_id": candidateID,
			"matched_with":    requestID,
			"group":           groupName,
		}); nerr != nil {
			s.logf("match notification failed", "recipient", cand.RequesterID, "error", nerr)
		}
	}
	return nil
}

func (s *Service) estimateTripSeconds(q Query) float64 {
	from, to := q.Pickup.Point, q.Drop.Point
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	// fallback to naive estimator
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}

func (s *Service) logf(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Warn(msg, args...)
	}
}

func mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
