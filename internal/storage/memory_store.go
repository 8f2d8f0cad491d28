package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-pooling/internal/models"
)

// MemoryStore keeps everything in process. One mutex serializes every
// mutation, which makes the conditional seat append and group get-or-create
// atomic without further machinery. Used for tests and local runs without
// postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	pools   map[string]*models.PoolRequest
	rides   map[string]*models.Ride
	groups  map[string]*models.Group // keyed by name
	members map[string][]models.GroupMember
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:   make(map[string]*models.PoolRequest),
		rides:   make(map[string]*models.Ride),
		groups:  make(map[string]*models.Group),
		members: make(map[string][]models.GroupMember),
	}
}

func (m *MemoryStore) CreatePoolRequest(ctx context.Context, pr *models.PoolRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pr
	m.pools[pr.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPoolRequest(ctx context.Context, id string) (*models.PoolRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pr, ok := m.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (m *MemoryStore) ListOpenPoolRequests(ctx context.Context) ([]models.PoolRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PoolRequest, 0)
	for _, pr := range m.pools {
		if pr.Status == models.PoolOpen {
			out = append(out, *pr)
		}
	}
	// stable retrieval order for deterministic match ranking
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPoolRequestsByRequester(ctx context.Context, userID string) ([]models.PoolRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PoolRequest, 0)
	for _, pr := range m.pools {
		if pr.RequesterID == userID {
			out = append(out, *pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdatePoolRequestStatus(ctx context.Context, id string, from, to models.PoolStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.pools[id]
	if !ok {
		return false, ErrNotFound
	}
	if pr.Status != from {
		return false, nil
	}
	pr.Status = to
	pr.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) DeletePoolRequest(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[id]; !ok {
		return ErrNotFound
	}
	delete(m.pools, id)
	return nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Riders = append([]models.RiderEntry(nil), r.Riders...)
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.Riders = append([]models.RiderEntry(nil), r.Riders...)
	return &cp, nil
}

func (m *MemoryStore) AppendRiderEntry(ctx context.Context, rideID string, e models.RiderEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.RideOpen {
		return ErrRideNotOpen
	}
	if _, exists := r.Entry(e.RiderID); exists {
		return ErrDuplicateRider
	}
	if r.OccupiedSeats() >= r.SeatsAvailable {
		return ErrRideFull
	}
	r.Riders = append(r.Riders, e)
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateRiderStatus(ctx context.Context, rideID, riderID string, from, to models.SeatStatus, acceptedAt *time.Time, verificationRequested bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	for i := range r.Riders {
		if r.Riders[i].RiderID != riderID {
			continue
		}
		if r.Riders[i].Status != from {
			return false, nil
		}
		r.Riders[i].Status = to
		if acceptedAt != nil {
			r.Riders[i].AcceptedAt = acceptedAt
		}
		r.Riders[i].PaymentVerificationRequested = verificationRequested
		r.UpdatedAt = time.Now()
		return true, nil
	}
	return false, ErrNotFound
}

func (m *MemoryStore) SetPaymentIntent(ctx context.Context, rideID, riderID, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	for i := range r.Riders {
		if r.Riders[i].RiderID == riderID {
			r.Riders[i].PaymentIntentID = intentID
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) SetRideGroup(ctx context.Context, id, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.GroupID = groupID
	return nil
}

func (m *MemoryStore) ListRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.DriverID == driverID {
			cp := *r
			cp.Riders = append([]models.RiderEntry(nil), r.Riders...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) EnsureGroup(ctx context.Context, name string, kind models.GroupKind) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[name]; ok {
		cp := *g
		return &cp, nil
	}
	g := &models.Group{ID: newStoreID(), Name: name, Kind: kind, CreatedAt: time.Now()}
	m.groups[name] = g
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) AddMember(ctx context.Context, groupID, userID, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.members[groupID] {
		if mem.UserID == userID {
			return false, nil
		}
	}
	m.members[groupID] = append(m.members[groupID], models.GroupMember{
		GroupID:  groupID,
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now(),
	})
	return true, nil
}

func (m *MemoryStore) ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.GroupMember(nil), m.members[groupID]...), nil
}

func newStoreID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
