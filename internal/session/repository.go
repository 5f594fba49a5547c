package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestaozabele/geosync/internal/changelog"
)

// Repository persiste sessões em sync_sessions e desfechos em sync_operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository cria instância do repositório.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, device_id, user_id, session_type, status, total_records, successful_records, failed_records,
        conflict_records, pending_keys, last_sync_version, last_sync_sequence, served_version, served_sequence,
        entity_type, acknowledged, failure_reason, started_at, updated_at, ended_at`

func scanSession(row pgx.Row) (Session, error) {
	var (
		s            Session
		typ, status  string
		entity, fail *string
	)
	err := row.Scan(&s.ID, &s.DeviceID, &s.UserID, &typ, &status, &s.Total, &s.Successful, &s.Failed,
		&s.Conflicted, &s.PendingKeys, &s.LastSyncCursor.Version, &s.LastSyncCursor.Sequence,
		&s.ServedCursor.Version, &s.ServedCursor.Sequence, &entity, &s.Acknowledged, &fail,
		&s.StartedAt, &s.UpdatedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.Type = Type(typ)
	s.Status = Status(status)
	if entity != nil {
		s.EntityType = *entity
	}
	if fail != nil {
		s.FailureReason = *fail
	}
	return s, nil
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *Repository) Create(ctx context.Context, s Session) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO sync_sessions (`+sessionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		s.ID, s.DeviceID, s.UserID, string(s.Type), string(s.Status), s.Total, s.Successful, s.Failed,
		s.Conflicted, s.PendingKeys, s.LastSyncCursor.Version, s.LastSyncCursor.Sequence,
		s.ServedCursor.Version, s.ServedCursor.Sequence, nullString(s.EntityType), s.Acknowledged,
		nullString(s.FailureReason), s.StartedAt, s.UpdatedAt, s.EndedAt)
	return err
}

func (r *Repository) Get(ctx context.Context, id string) (Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sync_sessions WHERE id = $1`, id))
}

func (r *Repository) Update(ctx context.Context, s Session) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE sync_sessions
        SET status = $2, total_records = $3, successful_records = $4, failed_records = $5, conflict_records = $6,
            pending_keys = $7, served_version = $8, served_sequence = $9, entity_type = $10, acknowledged = $11,
            failure_reason = $12, updated_at = $13, ended_at = $14
        WHERE id = $1 AND status = 'in_progress'`,
		s.ID, string(s.Status), s.Total, s.Successful, s.Failed, s.Conflicted,
		s.PendingKeys, s.ServedCursor.Version, s.ServedCursor.Sequence, nullString(s.EntityType), s.Acknowledged,
		nullString(s.FailureReason), s.UpdatedAt, s.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, s.ID); err != nil {
			return err
		}
		return ErrNotInProgress
	}
	return nil
}

func (r *Repository) OpenByDevice(ctx context.Context, deviceID string) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+`
        FROM sync_sessions
        WHERE device_id = $1 AND status = 'in_progress'
        ORDER BY id`, deviceID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *Repository) Idle(ctx context.Context, before time.Time, limit int) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+`
        FROM sync_sessions
        WHERE status = 'in_progress' AND updated_at < $1
        ORDER BY updated_at
        LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *Repository) GetOutcome(ctx context.Context, deviceID, key string) (Outcome, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
        SELECT outcome FROM sync_operations WHERE device_id = $1 AND idempotency_key = $2`,
		deviceID, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Outcome{}, ErrNotFound
		}
		return Outcome{}, err
	}
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return Outcome{}, fmt.Errorf("desfecho corrompido: %w", err)
	}
	return o, nil
}

// SaveOutcome mantém o primeiro desfecho gravado para a chave.
func (r *Repository) SaveOutcome(ctx context.Context, deviceID, sessionID string, o Outcome) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
        INSERT INTO sync_operations (device_id, idempotency_key, session_id, table_name, record_id, sync_status, outcome, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, now())
        ON CONFLICT (device_id, idempotency_key) DO NOTHING`,
		deviceID, o.IdempotencyKey, sessionID, o.Table, o.RecordID, string(o.Status), raw)
	return err
}

// CursorRepository persiste cursores em sync_cursors.
type CursorRepository struct {
	pool *pgxpool.Pool
}

func NewCursorRepository(pool *pgxpool.Pool) *CursorRepository {
	return &CursorRepository{pool: pool}
}

func (r *CursorRepository) Get(ctx context.Context, deviceID, entityType string) (Cursor, error) {
	c := Cursor{DeviceID: deviceID, EntityType: cursorKey(entityType)}
	err := r.pool.QueryRow(ctx, `
        SELECT last_sync_version, last_sync_sequence, last_sync_timestamp
        FROM sync_cursors
        WHERE device_id = $1 AND entity_type = $2`, deviceID, c.EntityType).
		Scan(&c.Stamp.Version, &c.Stamp.Sequence, &c.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	return c, err
}

// Advance grava o cursor apenas se não retroceder; a comparação ocorre no
// próprio UPSERT para ser atômica frente a confirmações concorrentes.
func (r *CursorRepository) Advance(ctx context.Context, deviceID, entityType string, to changelog.Stamp, at time.Time) (Cursor, error) {
	key := cursorKey(entityType)
	c := Cursor{DeviceID: deviceID, EntityType: key}
	err := r.pool.QueryRow(ctx, `
        INSERT INTO sync_cursors (device_id, entity_type, last_sync_version, last_sync_sequence, last_sync_timestamp)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (device_id, entity_type) DO UPDATE
        SET last_sync_version = EXCLUDED.last_sync_version,
            last_sync_sequence = EXCLUDED.last_sync_sequence,
            last_sync_timestamp = EXCLUDED.last_sync_timestamp
        WHERE (sync_cursors.last_sync_version, sync_cursors.last_sync_sequence) <= (EXCLUDED.last_sync_version, EXCLUDED.last_sync_sequence)
        RETURNING last_sync_version, last_sync_sequence, last_sync_timestamp`,
		deviceID, key, to.Version, to.Sequence, at).
		Scan(&c.Stamp.Version, &c.Stamp.Sequence, &c.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := r.Get(ctx, deviceID, key)
		if getErr != nil {
			return Cursor{}, getErr
		}
		return cur, fmt.Errorf("%w: %s < %s", ErrCursorRegression, to, cur.Stamp)
	}
	return c, err
}

func (r *CursorRepository) Reset(ctx context.Context, deviceID, entityType string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sync_cursors WHERE device_id = $1 AND entity_type = $2`, deviceID, cursorKey(entityType))
	return err
}

func (r *CursorRepository) ListByDevice(ctx context.Context, deviceID string) ([]Cursor, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT device_id, entity_type, last_sync_version, last_sync_sequence, last_sync_timestamp
        FROM sync_cursors
        WHERE device_id = $1
        ORDER BY entity_type`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.DeviceID, &c.EntityType, &c.Stamp.Version, &c.Stamp.Sequence, &c.SyncedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
