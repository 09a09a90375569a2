package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spendguard/internal/models"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrReservationNotOpen reports a resolve that found no open row for the id.
	ErrReservationNotOpen = errors.New("storage: reservation is not open")
	// ErrLimitNotFound reports a guarded insert for a peer without a limit row.
	ErrLimitNotFound = errors.New("storage: spending limit not found")
)

// Headroom is the durable view of one peer's limit and holds.
type Headroom struct {
	LimitSats     uint64
	CommittedSats uint64
	ReservedSats  uint64
}

// RemainingSats is the unheld part of the limit, never negative.
func (h Headroom) RemainingSats() uint64 {
	held := h.CommittedSats + h.ReservedSats
	if held >= h.LimitSats {
		return 0
	}
	return h.LimitSats - held
}

// HeadroomError is returned by a guarded insert that would overspend the limit.
type HeadroomError struct {
	Headroom
}

func (e *HeadroomError) Error() string {
	return fmt.Sprintf("storage: %d sats of headroom left", e.RemainingSats())
}

const (
	upsertLimitSQL = `INSERT INTO spending_limits (
        peer_id,
        limit_sats,
        period,
        period_start,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (peer_id) DO UPDATE
    SET
        limit_sats   = EXCLUDED.limit_sats,
        period       = EXCLUDED.period,
        period_start = EXCLUDED.period_start,
        updated_at   = EXCLUDED.updated_at;`

	deleteLimitSQL = `DELETE FROM spending_limits WHERE peer_id = $1;`

	listLimitsSQL = `SELECT
        peer_id,
        limit_sats,
        period,
        period_start,
        updated_at
    FROM spending_limits
    ORDER BY peer_id;`

	insertReservationSQL = `INSERT INTO reservations (
        id,
        peer_id,
        amount_sats,
        reference,
        state,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	lockLimitSQL = `SELECT limit_sats
    FROM spending_limits
    WHERE peer_id = $1
    FOR UPDATE;`

	peerHoldsSQL = `SELECT
        COALESCE(SUM(amount_sats) FILTER (WHERE state = 'committed' AND created_at >= $2), 0)::BIGINT,
        COALESCE(SUM(amount_sats) FILTER (WHERE state = 'open'), 0)::BIGINT
    FROM reservations
    WHERE peer_id = $1;`

	getReservationSQL = `SELECT
        id,
        peer_id,
        amount_sats,
        reference,
        state,
        created_at,
        resolved_at
    FROM reservations
    WHERE id = $1;`

	resolveReservationSQL = `UPDATE reservations
    SET state = $2, resolved_at = $3
    WHERE id = $1
      AND state = 'open';`

	listReservationsSQL = `SELECT
        id,
        peer_id,
        amount_sats,
        reference,
        state,
        created_at,
        resolved_at
    FROM reservations
    ORDER BY created_at, id;`

	deleteReservationSQL = `DELETE FROM reservations WHERE id = $1 AND state <> 'open';`

	upsertRequestStatusSQL = `INSERT INTO request_status (
        request_id,
        request_type,
        from_peer,
        amount_sats,
        status,
        detail,
        reservation_id,
        execution_id,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (request_id) DO UPDATE
    SET
        status         = EXCLUDED.status,
        detail         = EXCLUDED.detail,
        reservation_id = EXCLUDED.reservation_id,
        execution_id   = EXCLUDED.execution_id,
        updated_at     = EXCLUDED.updated_at;`

	getRequestStatusSQL = `SELECT
        request_id,
        request_type,
        from_peer,
        amount_sats,
        status,
        detail,
        reservation_id,
        execution_id,
        updated_at
    FROM request_status
    WHERE request_id = $1;`

	listRecentRequestsSQL = `SELECT
        request_id,
        request_type,
        from_peer,
        amount_sats,
        status,
        detail,
        reservation_id,
        execution_id,
        updated_at
    FROM request_status
    ORDER BY updated_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// LimitStore persists the limits table keyed by peer.
type LimitStore interface {
	UpsertLimit(ctx context.Context, limit models.SpendingLimit) error
	DeleteLimit(ctx context.Context, peerID string) error
	ListLimits(ctx context.Context) ([]models.SpendingLimit, error)
}

// ReservationStore is the durable reservation log keyed by reservation id.
// InsertReservation must not return before the row is durable.
type ReservationStore interface {
	InsertReservation(ctx context.Context, r models.Reservation) error
	ResolveReservation(ctx context.Context, id string, state models.ReservationState, at time.Time) error
	ListReservations(ctx context.Context) ([]models.Reservation, error)
	DeleteReservations(ctx context.Context, ids []string) error
}

// GuardedReservationStore is implemented by stores that several processes may share.
// InsertReservationWithinLimit checks the durable holds and inserts r under one lock
// held by every writer of the store, and returns the headroom after the insert. A refused
// insert returns *HeadroomError; a peer without a limit row returns ErrLimitNotFound.
type GuardedReservationStore interface {
	InsertReservationWithinLimit(ctx context.Context, r models.Reservation, periodStart time.Time) (Headroom, error)
	GetReservation(ctx context.Context, id string) (models.Reservation, bool, error)
}

// LedgerStore is everything the spending ledger needs to rebuild itself after a restart.
type LedgerStore interface {
	LimitStore
	ReservationStore
}

// RequestStatusStore records how each discovered request was handled.
type RequestStatusStore interface {
	SaveRequestStatus(ctx context.Context, rec models.RequestRecord) error
	GetRequestStatus(ctx context.Context, requestID string) (models.RequestRecord, bool, error)
	ListRecentRequests(ctx context.Context, limit int) ([]models.RequestRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertLimit creates or replaces a limit row.
func (s *Store) UpsertLimit(ctx context.Context, limit models.SpendingLimit) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertLimitSQL,
		limit.PeerID,
		int64(limit.LimitSats),
		string(limit.Period),
		limit.PeriodStart,
		limit.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert limit: %w", execErr)
	}
	return nil
}

// DeleteLimit removes a limit row. Missing rows are not an error.
func (s *Store) DeleteLimit(ctx context.Context, peerID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteLimitSQL, peerID); execErr != nil {
		return fmt.Errorf("delete limit: %w", execErr)
	}
	return nil
}

// ListLimits returns all limit rows ordered by peer.
func (s *Store) ListLimits(ctx context.Context) ([]models.SpendingLimit, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listLimitsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list limits: %w", queryErr)
	}
	defer rows.Close()

	limits := make([]models.SpendingLimit, 0)
	for rows.Next() {
		var (
			limit     models.SpendingLimit
			limitSats int64
			period    string
		)
		if err := rows.Scan(&limit.PeerID, &limitSats, &period, &limit.PeriodStart, &limit.UpdatedAt); err != nil {
			return nil, err
		}
		limit.LimitSats = uint64(limitSats)
		limit.Period = models.Period(period)
		limits = append(limits, limit)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return limits, nil
}

// InsertReservation writes a new reservation row.
func (s *Store) InsertReservation(ctx context.Context, r models.Reservation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertReservationSQL,
		r.ID,
		r.PeerID,
		int64(r.AmountSats),
		r.Reference,
		string(r.State),
		r.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert reservation: %w", execErr)
	}
	return nil
}

// InsertReservationWithinLimit locks the peer's limit row, sums its holds and inserts r
// in one transaction, so concurrent instances cannot overspend the same limit.
func (s *Store) InsertReservationWithinLimit(ctx context.Context, r models.Reservation, periodStart time.Time) (Headroom, error) {
	pool, err := s.getPool()
	if err != nil {
		return Headroom{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Headroom{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var limitSats, committed, reserved int64
	if err := tx.QueryRow(ctx, lockLimitSQL, r.PeerID).Scan(&limitSats); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Headroom{}, ErrLimitNotFound
		}
		return Headroom{}, fmt.Errorf("lock limit: %w", err)
	}
	if err := tx.QueryRow(ctx, peerHoldsSQL, r.PeerID, periodStart).Scan(&committed, &reserved); err != nil {
		return Headroom{}, fmt.Errorf("sum holds: %w", err)
	}

	h := Headroom{LimitSats: uint64(limitSats), CommittedSats: uint64(committed), ReservedSats: uint64(reserved)}
	if r.AmountSats > h.RemainingSats() {
		return Headroom{}, &HeadroomError{Headroom: h}
	}

	if _, err := tx.Exec(ctx, insertReservationSQL,
		r.ID,
		r.PeerID,
		int64(r.AmountSats),
		r.Reference,
		string(r.State),
		r.CreatedAt,
	); err != nil {
		return Headroom{}, fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Headroom{}, fmt.Errorf("commit reserve: %w", err)
	}
	h.ReservedSats += r.AmountSats
	return h, nil
}

// GetReservation loads a single reservation row.
func (s *Store) GetReservation(ctx context.Context, id string) (models.Reservation, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.Reservation{}, false, err
	}
	r, scanErr := scanReservation(pool.QueryRow(ctx, getReservationSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return models.Reservation{}, false, nil
	}
	if scanErr != nil {
		return models.Reservation{}, false, fmt.Errorf("get reservation: %w", scanErr)
	}
	return r, true, nil
}

// ResolveReservation moves an open reservation to a terminal state. Already resolved
// rows are left untouched so the first transition wins; ErrReservationNotOpen tells the
// caller its view of the row is stale.
func (s *Store) ResolveReservation(ctx context.Context, id string, state models.ReservationState, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, resolveReservationSQL, id, string(state), at)
	if execErr != nil {
		return fmt.Errorf("resolve reservation: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotOpen
	}
	return nil
}

// ListReservations returns every reservation in creation order.
func (s *Store) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listReservationsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list reservations: %w", queryErr)
	}
	defer rows.Close()

	out := make([]models.Reservation, 0)
	for rows.Next() {
		r, scanErr := scanReservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteReservations removes terminal reservations in a single transaction.
func (s *Store) DeleteReservations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete reservations: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, id := range ids {
		if _, execErr := tx.Exec(ctx, deleteReservationSQL, id); execErr != nil {
			return fmt.Errorf("delete reservation %s: %w", id, execErr)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete reservations: %w", err)
	}
	return nil
}

// SaveRequestStatus upserts the status row for a request.
func (s *Store) SaveRequestStatus(ctx context.Context, rec models.RequestRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertRequestStatusSQL,
		rec.RequestID,
		string(rec.Type),
		rec.FromPeer,
		rec.AmountSats,
		string(rec.Status),
		rec.Detail,
		rec.ReservationID,
		rec.ExecutionID,
		rec.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("save request status: %w", execErr)
	}
	return nil
}

// GetRequestStatus loads the status row for a request.
func (s *Store) GetRequestStatus(ctx context.Context, requestID string) (models.RequestRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.RequestRecord{}, false, err
	}
	rec, scanErr := scanRequestRecord(pool.QueryRow(ctx, getRequestStatusSQL, requestID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return models.RequestRecord{}, false, nil
	}
	if scanErr != nil {
		return models.RequestRecord{}, false, fmt.Errorf("get request status: %w", scanErr)
	}
	return rec, true, nil
}

// ListRecentRequests lists the most recently updated request rows. A limit of zero or
// less lists every row.
func (s *Store) ListRecentRequests(ctx context.Context, limit int) ([]models.RequestRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, queryErr := pool.Query(ctx, listRecentRequestsSQL, limitArg)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent requests: %w", queryErr)
	}
	defer rows.Close()

	out := make([]models.RequestRecord, 0, max(limit, 0))
	for rows.Next() {
		rec, scanErr := scanRequestRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanReservation(row pgx.Row) (models.Reservation, error) {
	var (
		r          models.Reservation
		amount     int64
		state      string
		resolvedAt *time.Time
	)
	if err := row.Scan(&r.ID, &r.PeerID, &amount, &r.Reference, &state, &r.CreatedAt, &resolvedAt); err != nil {
		return models.Reservation{}, err
	}
	r.AmountSats = uint64(amount)
	r.State = models.ReservationState(state)
	r.ResolvedAt = resolvedAt
	return r, nil
}

func scanRequestRecord(row pgx.Row) (models.RequestRecord, error) {
	var (
		rec     models.RequestRecord
		reqType string
		status  string
	)
	if err := row.Scan(
		&rec.RequestID,
		&reqType,
		&rec.FromPeer,
		&rec.AmountSats,
		&status,
		&rec.Detail,
		&rec.ReservationID,
		&rec.ExecutionID,
		&rec.UpdatedAt,
	); err != nil {
		return models.RequestRecord{}, err
	}
	rec.Type = models.RequestType(reqType)
	rec.Status = models.RequestStatus(status)
	return rec, nil
}

var (
	_ LedgerStore        = (*Store)(nil)
	_ RequestStatusStore = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)

	_ GuardedReservationStore = (*Store)(nil)
)
