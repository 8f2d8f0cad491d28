package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-pooling/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreatePoolRequest(ctx context.Context, pr *models.PoolRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pool_requests(
			id, requester_id, pickup_address, pickup_lat, pickup_lon,
			drop_address, drop_lat, drop_lon, depart_at, preferred_gender,
			seats_needed, travel_mode, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		pr.ID, pr.RequesterID, pr.Pickup.Address, pr.Pickup.Point.Lat, pr.Pickup.Point.Lon,
		pr.Drop.Address, pr.Drop.Point.Lat, pr.Drop.Point.Lon, pr.DepartAt, string(pr.PreferredGender),
		pr.SeatsNeeded, pr.TravelMode, string(pr.Status), pr.CreatedAt, pr.UpdatedAt)
	return err
}

const poolColumns = `id, requester_id, pickup_address, pickup_lat, pickup_lon,
	drop_address, drop_lat, drop_lon, depart_at, preferred_gender,
	seats_needed, travel_mode, status, created_at, updated_at`

func scanPool(row interface{ Scan(...any) error }) (*models.PoolRequest, error) {
	var pr models.PoolRequest
	err := row.Scan(
		&pr.ID, &pr.RequesterID, &pr.Pickup.Address, &pr.Pickup.Point.Lat, &pr.Pickup.Point.Lon,
		&pr.Drop.Address, &pr.Drop.Point.Lat, &pr.Drop.Point.Lon, &pr.DepartAt, &pr.PreferredGender,
		&pr.SeatsNeeded, &pr.TravelMode, &pr.Status, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *PostgresStore) GetPoolRequest(ctx context.Context, id string) (*models.PoolRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pool_requests WHERE id=$1`, id)
	pr, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pr, err
}

func (p *PostgresStore) listPools(ctx context.Context, where string, args ...any) ([]models.PoolRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM pool_requests `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.PoolRequest, 0)
	for rows.Next() {
		pr, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListOpenPoolRequests(ctx context.Context) ([]models.PoolRequest, error) {
	return p.listPools(ctx, `WHERE status='open'`)
}

func (p *PostgresStore) ListPoolRequestsByRequester(ctx context.Context, userID string) ([]models.PoolRequest, error) {
	return p.listPools(ctx, `WHERE requester_id=$1`, userID)
}

func (p *PostgresStore) UpdatePoolRequestStatus(ctx context.Context, id string, from, to models.PoolStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE pool_requests SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) DeletePoolRequest(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM pool_requests WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(
			id, driver_id, pickup_address, pickup_lat, pickup_lon,
			dest_address, dest_lat, dest_lon, depart_at, seats_available,
			price_per_seat, status, group_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.DriverID, r.Pickup.Address, r.Pickup.Point.Lat, r.Pickup.Point.Lon,
		r.Destination.Address, r.Destination.Point.Lat, r.Destination.Point.Lon, r.DepartAt, r.SeatsAvailable,
		r.PricePerSeat, string(r.Status), nullIfEmpty(r.GroupID), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id, pickup_address, pickup_lat, pickup_lon,
		       dest_address, dest_lat, dest_lon, depart_at, seats_available,
		       price_per_seat, status, group_id, created_at, updated_at
		FROM rides WHERE id=$1`, id)
	var r models.Ride
	var groupID sql.NullString
	err := row.Scan(
		&r.ID, &r.DriverID, &r.Pickup.Address, &r.Pickup.Point.Lat, &r.Pickup.Point.Lon,
		&r.Destination.Address, &r.Destination.Point.Lat, &r.Destination.Point.Lon, &r.DepartAt, &r.SeatsAvailable,
		&r.PricePerSeat, &r.Status, &groupID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if groupID.Valid {
		r.GroupID = groupID.String
	}
	if r.Riders, err = p.riderEntries(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) riderEntries(ctx context.Context, rideID string) ([]models.RiderEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT rider_id, status, requested_at, accepted_at, payment_verification_requested, payment_intent_id
		FROM rider_entries WHERE ride_id=$1 ORDER BY requested_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.RiderEntry, 0)
	for rows.Next() {
		var e models.RiderEntry
		var acceptedAt sql.NullTime
		if err := rows.Scan(&e.RiderID, &e.Status, &e.RequestedAt, &acceptedAt, &e.PaymentVerificationRequested, &e.PaymentIntentID); err != nil {
			return nil, err
		}
		if acceptedAt.Valid {
			t := acceptedAt.Time
			e.AcceptedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendRiderEntry runs inside a transaction that first locks the ride row.
// A single INSERT ... SELECT with an occupancy subquery is not safe here:
// under read committed the subquery is evaluated against the snapshot taken
// before the lock wait, so a writer queued behind the lock would re-count
// against stale data and double-book the last seat. Locking first and
// counting in a separate statement gives the count a snapshot that includes
// every committed entry; the unique (ride_id, rider_id) index backstops
// duplicates.
func (p *PostgresStore) AppendRiderEntry(ctx context.Context, rideID string, e models.RiderEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	var seats int
	err = tx.QueryRowContext(ctx,
		`SELECT status, seats_available FROM rides WHERE id=$1 FOR UPDATE`, rideID).Scan(&status, &seats)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != string(models.RideOpen) {
		return ErrRideNotOpen
	}

	var occupied int
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status <> 'rejected'),
		       COUNT(*) FILTER (WHERE rider_id = $2) > 0
		FROM rider_entries WHERE ride_id=$1`, rideID, e.RiderID).Scan(&occupied, &exists); err != nil {
		return err
	}
	if exists {
		return ErrDuplicateRider
	}
	if occupied >= seats {
		return ErrRideFull
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rider_entries (ride_id, rider_id, status, requested_at, payment_verification_requested)
		VALUES ($1, $2, $3, $4, FALSE)`,
		rideID, e.RiderID, string(e.Status), e.RequestedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateRider
		}
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) UpdateRiderStatus(ctx context.Context, rideID, riderID string, from, to models.SeatStatus, acceptedAt *time.Time, verificationRequested bool) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rider_entries
		SET status=$1,
		    accepted_at=COALESCE($2, accepted_at),
		    payment_verification_requested=$3
		WHERE ride_id=$4 AND rider_id=$5 AND status=$6`,
		string(to), acceptedAt, verificationRequested, rideID, riderID, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) SetPaymentIntent(ctx context.Context, rideID, riderID, intentID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rider_entries SET payment_intent_id=$1 WHERE ride_id=$2 AND rider_id=$3`,
		intentID, rideID, riderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetRideGroup(ctx context.Context, id, groupID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE rides SET group_id=$1, updated_at=NOW() WHERE id=$2`, groupID, id)
	return err
}

func (p *PostgresStore) ListRidesByDriver(ctx context.Context, driverID string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM rides WHERE driver_id=$1 ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Ride, 0, len(ids))
	for _, id := range ids {
		r, err := p.GetRide(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// EnsureGroup inserts behind the unique name index and re-reads; the loser of
// a concurrent create simply reads the winner's row.
func (p *PostgresStore) EnsureGroup(ctx context.Context, name string, kind models.GroupKind) (*models.Group, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, kind, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO NOTHING`,
		newStoreID(), name, string(kind))
	if err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, `SELECT id, name, kind, created_at FROM groups WHERE name=$1`, name)
	var g models.Group
	if err := row.Scan(&g.ID, &g.Name, &g.Kind, &g.CreatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func (p *PostgresStore) AddMember(ctx context.Context, groupID, userID, role string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, userID, role)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *PostgresStore) ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT group_id, user_id, role, joined_at
		FROM group_members WHERE group_id=$1 ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.GroupMember, 0)
	for rows.Next() {
		var m models.GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
