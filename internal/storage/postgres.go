package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/waste-dispatch/internal/models"
)

// PostgresStore implements Store on top of Postgres. The change feed is
// per-process: writes that go through this store instance publish to local
// subscribers after commit.
type PostgresStore struct {
	db   *sql.DB
	feed *feed
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
	return &PostgresStore{db: db, feed: newFeed()}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func ioErr(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

const pickupColumns = `id, requester_id, requester_name, requester_contact,
	worker_id, worker_name, pickup_lat, pickup_lng, worker_lat, worker_lng,
	item_count, job_type, distance_km, price, status, created_at, started_at,
	completed_at, rating, review_text`

func (p *PostgresStore) CreatePickup(ctx context.Context, pk *models.Pickup) error {
	if pk.ID == "" {
		pk.ID = newID()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO pickups(`+pickupColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		pk.ID, pk.RequesterID, pk.RequesterName, pk.RequesterContact,
		pk.WorkerID, pk.WorkerName, pk.PickupLocation.Lat, pk.PickupLocation.Lng,
		pk.WorkerLocation.Lat, pk.WorkerLocation.Lng,
		pk.ItemCount, pk.JobType, pk.DistanceKm, pk.Price, pk.Status,
		pk.CreatedAt, pk.StartedAt, pk.CompletedAt, pk.Rating, pk.ReviewText)
	if err != nil {
		return ioErr(err)
	}
	p.feed.publish(PickupChange{Kind: ChangeCreated, Pickup: *pk})
	return nil
}

func (p *PostgresStore) GetPickup(ctx context.Context, id string) (models.Pickup, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pickupColumns+` FROM pickups WHERE id=$1`, id)
	return scanPickup(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPickup(row rowScanner) (models.Pickup, error) {
	var pk models.Pickup
	var startedAt, completedAt sql.NullTime
	var rating sql.NullInt64
	var review sql.NullString
	err := row.Scan(&pk.ID, &pk.RequesterID, &pk.RequesterName, &pk.RequesterContact,
		&pk.WorkerID, &pk.WorkerName, &pk.PickupLocation.Lat, &pk.PickupLocation.Lng,
		&pk.WorkerLocation.Lat, &pk.WorkerLocation.Lng,
		&pk.ItemCount, &pk.JobType, &pk.DistanceKm, &pk.Price, &pk.Status,
		&pk.CreatedAt, &startedAt, &completedAt, &rating, &review)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Pickup{}, ErrNotFound
	}
	if err != nil {
		return models.Pickup{}, ioErr(err)
	}
	if startedAt.Valid {
		pk.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		pk.CompletedAt = &completedAt.Time
	}
	if rating.Valid {
		v := int(rating.Int64)
		pk.Rating = &v
	}
	if review.Valid {
		pk.ReviewText = &review.String
	}
	return pk, nil
}

// UpdatePickupIf reads the row under FOR UPDATE, checks the expected status
// and writes the mutated document back, all in one transaction. The WHERE on
// status makes the guard authoritative even against writers outside this
// process.
func (p *PostgresStore) UpdatePickupIf(ctx context.Context, id string, from models.Status, mutate func(*models.Pickup)) (models.Pickup, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Pickup{}, ioErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+pickupColumns+` FROM pickups WHERE id=$1 FOR UPDATE`, id)
	pk, err := scanPickup(row)
	if err != nil {
		return models.Pickup{}, err
	}
	if pk.Status != from {
		return models.Pickup{}, ErrConflict
	}
	mutate(&pk)
	res, err := tx.ExecContext(ctx, `UPDATE pickups SET worker_id=$1, worker_name=$2,
		status=$3, started_at=$4, completed_at=$5, rating=$6, review_text=$7
		WHERE id=$8 AND status=$9`,
		pk.WorkerID, pk.WorkerName, pk.Status, pk.StartedAt, pk.CompletedAt,
		pk.Rating, pk.ReviewText, id, from)
	if err != nil {
		return models.Pickup{}, ioErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Pickup{}, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return models.Pickup{}, ioErr(err)
	}
	p.feed.publish(PickupChange{Kind: ChangeUpdated, Pickup: pk})
	return pk, nil
}

func (p *PostgresStore) ListPickupsByStatus(ctx context.Context, status models.Status) ([]models.Pickup, error) {
	return p.listPickups(ctx, `SELECT `+pickupColumns+` FROM pickups WHERE status=$1`, status)
}

func (p *PostgresStore) ListPickupsByRequester(ctx context.Context, requesterID string) ([]models.Pickup, error) {
	return p.listPickups(ctx, `SELECT `+pickupColumns+` FROM pickups WHERE requester_id=$1`, requesterID)
}

func (p *PostgresStore) ListPickupsByWorker(ctx context.Context, workerID string) ([]models.Pickup, error) {
	return p.listPickups(ctx, `SELECT `+pickupColumns+` FROM pickups WHERE worker_id=$1`, workerID)
}

func (p *PostgresStore) listPickups(ctx context.Context, query string, arg any) ([]models.Pickup, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, ioErr(err)
	}
	defer rows.Close()
	out := make([]models.Pickup, 0)
	for rows.Next() {
		pk, err := scanPickup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(err)
	}
	return out, nil
}

func (p *PostgresStore) Subscribe(f PickupFilter) *Subscription {
	return p.feed.subscribe(f)
}

/* ------------------------- workers ------------------------- */

const workerColumns = `id, name, contact, base_price_per_item, is_available,
	last_lat, last_lng, last_location_at, total_completed_jobs, total_earnings,
	rating_sum, rating_count, push_token`

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (models.Worker, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id)
	var w models.Worker
	var lat, lng sql.NullFloat64
	var at sql.NullTime
	err := row.Scan(&w.ID, &w.Name, &w.Contact, &w.BasePricePerItem, &w.Available,
		&lat, &lng, &at, &w.CompletedJobs, &w.TotalEarnings,
		&w.RatingSum, &w.RatingCount, &w.PushToken)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Worker{}, ErrNotFound
	}
	if err != nil {
		return models.Worker{}, ioErr(err)
	}
	if lat.Valid && lng.Valid {
		w.LastLocation = &models.LocationStamp{
			Coord: models.Coord{Lat: lat.Float64, Lng: lng.Float64},
		}
		if at.Valid {
			w.LastLocation.Timestamp = at.Time
		}
	}
	return w, nil
}

func (p *PostgresStore) UpsertWorker(ctx context.Context, w models.Worker) error {
	var lat, lng sql.NullFloat64
	var at sql.NullTime
	if w.LastLocation != nil {
		lat = sql.NullFloat64{Float64: w.LastLocation.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: w.LastLocation.Lng, Valid: true}
		at = sql.NullTime{Time: w.LastLocation.Timestamp, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO workers(`+workerColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET name=$2, contact=$3, base_price_per_item=$4,
			is_available=$5, last_lat=$6, last_lng=$7, last_location_at=$8, push_token=$13`,
		w.ID, w.Name, w.Contact, w.BasePricePerItem, w.Available,
		lat, lng, at, w.CompletedJobs, w.TotalEarnings, w.RatingSum, w.RatingCount, w.PushToken)
	if err != nil {
		return ioErr(err)
	}
	return nil
}

func (p *PostgresStore) SetWorkerAvailability(ctx context.Context, id string, available bool) error {
	return p.execWorker(ctx, `UPDATE workers SET is_available=$1 WHERE id=$2`, available, id)
}

func (p *PostgresStore) UpdateWorkerLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	return p.execWorker(ctx, `UPDATE workers SET last_lat=$1, last_lng=$2, last_location_at=$3 WHERE id=$4`,
		loc.Lat, loc.Lng, at, id)
}

func (p *PostgresStore) UpdateWorkerBasePrice(ctx context.Context, id string, price int64) (int64, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE workers SET base_price_per_item=$1 WHERE id=$2
		RETURNING (SELECT base_price_per_item FROM workers WHERE id=$2)`, price, id)
	var old int64
	err := row.Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, ioErr(err)
	}
	return old, nil
}

// AddWorkerCompletion uses the database's in-place increment, so concurrent
// completions cannot lose an update.
func (p *PostgresStore) AddWorkerCompletion(ctx context.Context, id string, earnings int64) error {
	return p.execWorker(ctx, `UPDATE workers SET total_completed_jobs = total_completed_jobs + 1,
		total_earnings = total_earnings + $1 WHERE id=$2`, earnings, id)
}

func (p *PostgresStore) AddWorkerRating(ctx context.Context, id string, rating int) error {
	return p.execWorker(ctx, `UPDATE workers SET rating_sum = rating_sum + $1,
		rating_count = rating_count + 1 WHERE id=$2`, rating, id)
}

func (p *PostgresStore) execWorker(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return ioErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

/* ------------------------- requesters ------------------------- */

const requesterColumns = `id, name, contact, push_token, last_lat, last_lng, last_location_at`

func (p *PostgresStore) GetRequester(ctx context.Context, id string) (models.Requester, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requesterColumns+` FROM requesters WHERE id=$1`, id)
	r, err := scanRequester(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Requester{}, ErrNotFound
	}
	return r, err
}

func scanRequester(row rowScanner) (models.Requester, error) {
	var r models.Requester
	var lat, lng sql.NullFloat64
	var at sql.NullTime
	err := row.Scan(&r.ID, &r.Name, &r.Contact, &r.PushToken, &lat, &lng, &at)
	if err != nil {
		return models.Requester{}, err
	}
	if lat.Valid && lng.Valid {
		r.LastLocation = &models.LocationStamp{
			Coord: models.Coord{Lat: lat.Float64, Lng: lng.Float64},
		}
		if at.Valid {
			r.LastLocation.Timestamp = at.Time
		}
	}
	return r, nil
}

func (p *PostgresStore) UpsertRequester(ctx context.Context, r models.Requester) error {
	var lat, lng sql.NullFloat64
	var at sql.NullTime
	if r.LastLocation != nil {
		lat = sql.NullFloat64{Float64: r.LastLocation.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: r.LastLocation.Lng, Valid: true}
		at = sql.NullTime{Time: r.LastLocation.Timestamp, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO requesters(`+requesterColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET name=$2, contact=$3, push_token=$4,
			last_lat=$5, last_lng=$6, last_location_at=$7`,
		r.ID, r.Name, r.Contact, r.PushToken, lat, lng, at)
	if err != nil {
		return ioErr(err)
	}
	return nil
}

func (p *PostgresStore) UpdateRequesterLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE requesters SET last_lat=$1, last_lng=$2, last_location_at=$3 WHERE id=$4`,
		loc.Lat, loc.Lng, at, id)
	if err != nil {
		return ioErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRequesters(ctx context.Context) ([]models.Requester, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requesterColumns+` FROM requesters`)
	if err != nil {
		return nil, ioErr(err)
	}
	defer rows.Close()
	out := make([]models.Requester, 0)
	for rows.Next() {
		r, err := scanRequester(rows)
		if err != nil {
			return nil, ioErr(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(err)
	}
	return out, nil
}
