package pools

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/storage"
)

var (
	ErrBadRequest = errors.New("invalid pool request")
	ErrForbidden  = errors.New("not the owner of this pool request")
	ErrNotFound   = errors.New("pool request not found")
	ErrConflict   = errors.New("pool request already terminal")
)

// Event is one pool-request lifecycle change, streamed to the event bus. The
// consumer keeps the geo discovery index in sync from these.
type Event struct {
	Kind    string             `json:"kind"`
	Request models.PoolRequest `json:"request"`
	At      time.Time          `json:"at"`
}

const (
	EventOpened    = "opened"
	EventMatched   = "matched"
	EventCompleted = "completed"
	EventCancelled = "cancelled"
	EventDeleted   = "deleted"
)

type EventPublisher interface {
	PublishPoolEvent(ev Event) error
}

// Service owns the pool-request lifecycle. A request belongs exclusively to
// its requester; admins may read and delete everything.
type Service struct {
	Store  storage.PoolStore
	Index  geo.Index      // optional in-process discovery index
	Events EventPublisher // optional
	Logger *slog.Logger
}

type CreateCommand struct {
	Pickup          models.Location
	Drop            models.Location
	DepartAt        time.Time
	PreferredGender models.Gender
	SeatsNeeded     int
	TravelMode      string
}

func (s *Service) Create(ctx context.Context, actor models.Actor, cmd CreateCommand) (*models.PoolRequest, error) {
	if actor.ID == "" {
		return nil, ErrForbidden
	}
	if cmd.DepartAt.IsZero() || !cmd.Pickup.Provided() || !cmd.Drop.Provided() {
		return nil, ErrBadRequest
	}
	if !cmd.Pickup.Point.Valid() || !cmd.Drop.Point.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.SeatsNeeded < 1 {
		cmd.SeatsNeeded = 1
	}
	if cmd.PreferredGender == "" {
		cmd.PreferredGender = models.GenderAny
	}
	now := time.Now()
	pr := &models.PoolRequest{
		ID:              newID(),
		RequesterID:     actor.ID,
		Pickup:          cmd.Pickup,
		Drop:            cmd.Drop,
		DepartAt:        cmd.DepartAt,
		PreferredGender: cmd.PreferredGender,
		SeatsNeeded:     cmd.SeatsNeeded,
		TravelMode:      cmd.TravelMode,
		Status:          models.PoolOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.CreatePoolRequest(ctx, pr); err != nil {
		return nil, err
	}
	if s.Index != nil {
		s.Index.Upsert(*pr)
	}
	s.publish(Event{Kind: EventOpened, Request: *pr, At: now})
	return pr, nil
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*models.PoolRequest, error) {
	pr, err := s.Store.GetPoolRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pr.RequesterID != actor.ID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return pr, nil
}

func (s *Service) ListOwn(ctx context.Context, actor models.Actor) ([]models.PoolRequest, error) {
	return s.Store.ListPoolRequestsByRequester(ctx, actor.ID)
}

// Cancel marks the request terminal. Owner or admin; allowed from Open or
// Matched, never from another terminal state.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, id string) error {
	return s.finish(ctx, actor, id, models.PoolCancelled, EventCancelled)
}

func (s *Service) Complete(ctx context.Context, actor models.Actor, id string) error {
	return s.finish(ctx, actor, id, models.PoolCompleted, EventCompleted)
}

func (s *Service) finish(ctx context.Context, actor models.Actor, id string, to models.PoolStatus, eventKind string) error {
	pr, err := s.Get(ctx, actor, id)
	if err != nil {
		return err
	}
	if pr.Status != models.PoolOpen && pr.Status != models.PoolMatched {
		return ErrConflict
	}
	ok, err := s.Store.UpdatePoolRequestStatus(ctx, id, pr.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if s.Index != nil {
		s.Index.Remove(id)
	}
	pr.Status = to
	s.publish(Event{Kind: eventKind, Request: *pr, At: time.Now()})
	return nil
}

// Delete removes the request outright. Admin-only.
func (s *Service) Delete(ctx context.Context, actor models.Actor, id string) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	pr, err := s.Store.GetPoolRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := s.Store.DeletePoolRequest(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if s.Index != nil {
		s.Index.Remove(id)
	}
	s.publish(Event{Kind: EventDeleted, Request: *pr, At: time.Now()})
	return nil
}

// Nearby resolves open pool requests around a pickup point through the
// discovery index, dropping anything that is no longer open.
func (s *Service) Nearby(ctx context.Context, p models.GeoPoint, radiusM float64, limit int) ([]models.PoolRequest, error) {
	if s.Index == nil {
		return nil, nil
	}
	if !p.Valid() {
		return nil, ErrBadRequest
	}
	ids := s.Index.Nearby(p, radiusM, limit)
	out := make([]models.PoolRequest, 0, len(ids))
	for _, id := range ids {
		pr, err := s.Store.GetPoolRequest(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if pr.Status != models.PoolOpen {
			continue
		}
		out = append(out, *pr)
	}
	return out, nil
}

func (s *Service) publish(ev Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishPoolEvent(ev); err != nil && s.Logger != nil {
		s.Logger.Warn("pool event publish failed", "request_id", ev.Request.ID, "kind", ev.Kind, "error", err)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
