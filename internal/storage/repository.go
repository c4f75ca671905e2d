package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"relayguard/internal/stake"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	isBlacklistedSQL = `SELECT EXISTS (SELECT 1 FROM blacklist WHERE identity = $1);`

	upsertBlacklistSQL = `INSERT INTO blacklist (identity, reason)
    VALUES ($1, $2)
    ON CONFLICT (identity) DO UPDATE
    SET reason = EXCLUDED.reason;`

	deleteBlacklistSQL = `DELETE FROM blacklist WHERE identity = $1;`

	listBlacklistSQL = `SELECT identity, reason, created_at
    FROM blacklist
    ORDER BY created_at DESC;`

	sumExternalStakeSQL = `SELECT COALESCE(SUM(amount), 0)::text
    FROM external_stakes
    WHERE identity = $1;`

	upsertExternalStakeSQL = `INSERT INTO external_stakes (identity, source, amount, updated_at)
    VALUES ($1, $2, $3, now())
    ON CONFLICT (identity, source) DO UPDATE
    SET amount     = EXCLUDED.amount,
        updated_at = EXCLUDED.updated_at;`

	insertEventSQL = `INSERT INTO guard_events (
        kind,
        reason,
        message,
        fields,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, created_at;`

	listRecentEventsSQL = `SELECT
        id,
        kind,
        reason,
        message,
        fields,
        occurred_at,
        created_at
    FROM guard_events
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteEventsBeforeSQL = `DELETE FROM guard_events WHERE created_at < $1;`

	insertSnapshotSQL = `INSERT INTO treasury_snapshots (
        taken_at,
        balance,
        reserved,
        available,
        daily_spend,
        health,
        transaction_count,
        total_fees
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (taken_at) DO NOTHING;`

	snapshotColumns = `taken_at,
        balance::text,
        reserved::text,
        available::text,
        daily_spend::text,
        health,
        transaction_count,
        total_fees::text,
        created_at`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM treasury_snapshots
    WHERE taken_at >= $1
      AND taken_at < $2
    ORDER BY taken_at;`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM treasury_snapshots
    ORDER BY taken_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// BlacklistStore persists runtime blacklist entries.
type BlacklistStore interface {
	IsBlacklisted(ctx context.Context, identity string) (bool, error)
	AddBlacklist(ctx context.Context, identity, reason string) error
	RemoveBlacklist(ctx context.Context, identity string) error
	ListBlacklist(ctx context.Context) ([]BlacklistEntry, error)
}

// StakeStore reads and writes externally staked collateral.
type StakeStore interface {
	ExternalStake(ctx context.Context, identity string) (decimal.Decimal, error)
	UpsertExternalStake(ctx context.Context, entry ExternalStake) error
}

// EventStore defines operations for guard event auditing.
type EventStore interface {
	InsertEvent(ctx context.Context, rec EventRecord) (EventRecord, error)
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) error
}

// SnapshotStore persists treasury snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap TreasurySnapshot) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]TreasurySnapshot, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]TreasurySnapshot, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to every table the guard uses.
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
		// A failed unlock still releases the connection; the lock dies with the session.
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

// IsBlacklisted reports whether identity has a runtime blacklist entry.
func (s *Store) IsBlacklisted(ctx context.Context, identity string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var listed bool
	if err := pool.QueryRow(ctx, isBlacklistedSQL, identity).Scan(&listed); err != nil {
		return false, fmt.Errorf("query blacklist: %w", err)
	}
	return listed, nil
}

// AddBlacklist inserts or updates a blacklist entry.
func (s *Store) AddBlacklist(ctx context.Context, identity, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertBlacklistSQL, identity, reason); err != nil {
		return fmt.Errorf("upsert blacklist: %w", err)
	}
	return nil
}

// RemoveBlacklist deletes a blacklist entry. Missing entries are not an error.
func (s *Store) RemoveBlacklist(ctx context.Context, identity string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteBlacklistSQL, identity); err != nil {
		return fmt.Errorf("delete blacklist: %w", err)
	}
	return nil
}

// ListBlacklist returns every runtime blacklist entry, newest first.
func (s *Store) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listBlacklistSQL)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	defer rows.Close()

	var entries []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		if err := rows.Scan(&e.Identity, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ExternalStake sums every external stake source for identity.
func (s *Store) ExternalStake(ctx context.Context, identity string) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Zero, err
	}

	var total string
	if err := pool.QueryRow(ctx, sumExternalStakeSQL, identity).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum external stake: %w", err)
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse external stake: %w", err)
	}
	return amount, nil
}

// UpsertExternalStake records the stake identity holds at one source.
func (s *Store) UpsertExternalStake(ctx context.Context, entry ExternalStake) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if entry.Amount.IsNegative() {
		return fmt.Errorf("external stake cannot be negative")
	}
	if _, err := pool.Exec(ctx, upsertExternalStakeSQL, entry.Identity, entry.Source, entry.Amount.String()); err != nil {
		return fmt.Errorf("upsert external stake: %w", err)
	}
	return nil
}

// InsertEvent persists a guard event.
func (s *Store) InsertEvent(ctx context.Context, rec EventRecord) (EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EventRecord{}, err
	}

	fields := rec.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return EventRecord{}, fmt.Errorf("marshal event fields: %w", err)
	}

	if err := pool.QueryRow(ctx, insertEventSQL,
		rec.Kind,
		rec.Reason,
		rec.Message,
		payload,
		rec.OccurredAt,
	).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return EventRecord{}, fmt.Errorf("insert event: %w", err)
	}
	return rec, nil
}

// ListRecentEvents lists the most recent events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	events := make([]EventRecord, 0, limit)
	for rows.Next() {
		var rec EventRecord
		var payload []byte
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.Reason,
			&rec.Message,
			&payload,
			&rec.OccurredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode event fields: %w", err)
			}
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteEventsBefore deletes historical events.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete events before: %w", err)
	}
	return nil
}

// InsertSnapshot persists a treasury snapshot. A second snapshot for the
// same instant is ignored.
func (s *Store) InsertSnapshot(ctx context.Context, snap TreasurySnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, insertSnapshotSQL,
		snap.TakenAt,
		snap.Balance.String(),
		snap.Reserved.String(),
		snap.Available.String(),
		snap.DailySpend.String(),
		snap.Health,
		snap.TransactionCount,
		snap.TotalFees.String(),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshotsBetween returns snapshots in [from, to) ordered by time.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]TreasurySnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list snapshots between: %w", err)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

// ListRecentSnapshots returns the latest snapshots, newest first.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]TreasurySnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

func collectSnapshots(rows pgx.Rows) ([]TreasurySnapshot, error) {
	var snaps []TreasurySnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func scanSnapshot(rows pgx.Rows) (TreasurySnapshot, error) {
	var (
		snap                                            TreasurySnapshot
		balanceStr, reservedStr, availableStr, spendStr string
		totalFeesStr                                    string
	)

	if err := rows.Scan(
		&snap.TakenAt,
		&balanceStr,
		&reservedStr,
		&availableStr,
		&spendStr,
		&snap.Health,
		&snap.TransactionCount,
		&totalFeesStr,
		&snap.CreatedAt,
	); err != nil {
		return TreasurySnapshot{}, err
	}

	values := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"balance", balanceStr, &snap.Balance},
		{"reserved", reservedStr, &snap.Reserved},
		{"available", availableStr, &snap.Available},
		{"daily spend", spendStr, &snap.DailySpend},
		{"total fees", totalFeesStr, &snap.TotalFees},
	}
	for _, v := range values {
		parsed, err := decimal.NewFromString(v.raw)
		if err != nil {
			return TreasurySnapshot{}, fmt.Errorf("parse %s: %w", v.name, err)
		}
		*v.dst = parsed
	}

	return snap, nil
}

var (
	_ BlacklistStore       = (*Store)(nil)
	_ StakeStore           = (*Store)(nil)
	_ EventStore           = (*Store)(nil)
	_ SnapshotStore        = (*Store)(nil)
	_ AdvisoryLocker       = (*Store)(nil)
	_ stake.BlacklistStore = (*Store)(nil)
	_ stake.StakeStore     = (*Store)(nil)
)
