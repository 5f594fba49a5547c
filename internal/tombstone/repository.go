package tombstone

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/db"
	"github.com/gestaozabele/geosync/internal/geo"
)

// Repository persiste lápides em deletion_tombstones.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository cria instância do repositório.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const tombstoneColumns = `id, table_name, record_id, change_version, change_sequence, deleted_at, deleted_by,
        reason, record_hash, snapshot, geo_node_id, geo_path, propagation_status, propagation_attempts,
        escalated_at, expires_at`

// Insert usa a transação do contexto quando presente.
func (r *Repository) Insert(ctx context.Context, t Tombstone) (Tombstone, bool, error) {
	const query = `
        INSERT INTO deletion_tombstones (` + tombstoneColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        ON CONFLICT (table_name, record_id, change_version, change_sequence) DO NOTHING
    `
	var snapshot []byte
	if len(t.Snapshot) > 0 {
		snapshot = t.Snapshot
	}
	conn := db.Conn(ctx, r.pool)
	tag, err := conn.Exec(ctx, query,
		t.ID, t.Table, t.RecordID, t.Stamp.Version, t.Stamp.Sequence, t.DeletedAt, t.DeletedBy,
		t.Reason, t.RecordHash, snapshot, t.GeoNodeID, []uuid.UUID(t.GeoPath), string(t.PropagationStatus),
		t.PropagationAttempts, t.EscalatedAt, t.ExpiresAt,
	)
	if err != nil {
		return Tombstone{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return t, false, nil
	}

	row := conn.QueryRow(ctx, `SELECT `+tombstoneColumns+`
        FROM deletion_tombstones
        WHERE table_name = $1 AND record_id = $2 AND change_version = $3 AND change_sequence = $4`,
		t.Table, t.RecordID, t.Stamp.Version, t.Stamp.Sequence)
	existing, err := scanTombstone(row)
	if err != nil {
		return Tombstone{}, false, err
	}
	return existing, true, nil
}

func (r *Repository) Latest(ctx context.Context, table, recordID string) (Tombstone, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+tombstoneColumns+`
        FROM deletion_tombstones
        WHERE table_name = $1 AND record_id = $2
        ORDER BY change_version DESC, change_sequence DESC
        LIMIT 1`, table, recordID)
	return scanTombstone(row)
}

func (r *Repository) Range(ctx context.Context, q Query) ([]Tombstone, error) {
	nodes := q.Nodes
	if nodes == nil {
		nodes = []uuid.UUID{}
	}
	lim := q.Limit
	if lim <= 0 {
		lim = 1000
	}
	rows, err := r.pool.Query(ctx, `SELECT `+tombstoneColumns+`
        FROM deletion_tombstones
        WHERE (change_version, change_sequence) > ($1, $2)
          AND (change_version, change_sequence) <= ($3, $4)
          AND ($5 = '' OR table_name = $5)
          AND (cardinality($6::uuid[]) = 0 OR geo_path && $6::uuid[])
        ORDER BY change_version, change_sequence
        LIMIT $7`,
		q.From.Version, q.From.Sequence, q.To.Version, q.To.Sequence, q.Table, nodes, lim)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *Repository) RecordDeliveries(ctx context.Context, deviceID string, ids []uuid.UUID, at time.Time) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int, len(ids))
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            INSERT INTO tombstone_deliveries (tombstone_id, device_id, attempts, last_delivered_at)
            SELECT unnest($1::uuid[]), $2, 1, $3
            ON CONFLICT (tombstone_id, device_id) DO UPDATE
            SET attempts = tombstone_deliveries.attempts + 1,
                last_delivered_at = EXCLUDED.last_delivered_at
            RETURNING tombstone_id, attempts
        `, ids, deviceID, at)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				id       uuid.UUID
				attempts int
			)
			if err := rows.Scan(&id, &attempts); err != nil {
				rows.Close()
				return err
			}
			out[id] = attempts
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
            UPDATE deletion_tombstones t
            SET propagation_attempts = d.attempts
            FROM tombstone_deliveries d
            WHERE d.tombstone_id = t.id AND d.device_id = $1
              AND t.id = ANY($2::uuid[]) AND d.attempts > t.propagation_attempts
        `, deviceID, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) Unsettled(ctx context.Context, limit int) ([]Tombstone, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+tombstoneColumns+`
        FROM deletion_tombstones
        WHERE propagation_status <> 'propagated'
        ORDER BY change_version, change_sequence
        LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status Status, expiresAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE deletion_tombstones
        SET propagation_status = $2, expires_at = $3
        WHERE id = $1`, id, string(status), expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkEscalated(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE deletion_tombstones SET escalated_at = $2 WHERE id = ANY($1::uuid[])`, ids, at)
	return err
}

func (r *Repository) Unescalated(ctx context.Context, limit int) ([]Tombstone, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+tombstoneColumns+`
        FROM deletion_tombstones
        WHERE propagation_status = 'failed' AND escalated_at IS NULL
        ORDER BY change_version, change_sequence
        LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *Repository) Expired(ctx context.Context, now time.Time, limit int) ([]Tombstone, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+tombstoneColumns+`
        FROM deletion_tombstones
        WHERE expires_at <= $1
        ORDER BY change_version, change_sequence
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *Repository) Delete(ctx context.Context, ids []uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tombstone_deliveries WHERE tombstone_id = ANY($1::uuid[])`, ids); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM deletion_tombstones WHERE id = ANY($1::uuid[])`, ids)
		return err
	})
}

func (r *Repository) AdvanceHorizon(ctx context.Context, table string, s changelog.Stamp) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO tombstone_gc_horizon (table_name, change_version, change_sequence, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (table_name) DO UPDATE
        SET change_version = EXCLUDED.change_version,
            change_sequence = EXCLUDED.change_sequence,
            updated_at = now()
        WHERE (tombstone_gc_horizon.change_version, tombstone_gc_horizon.change_sequence)
            < (EXCLUDED.change_version, EXCLUDED.change_sequence)
    `, table, s.Version, s.Sequence)
	return err
}

func (r *Repository) Horizon(ctx context.Context, table string) (changelog.Stamp, error) {
	var s changelog.Stamp
	err := r.pool.QueryRow(ctx, `
        SELECT change_version, change_sequence FROM tombstone_gc_horizon WHERE table_name = $1
    `, table).Scan(&s.Version, &s.Sequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return changelog.Stamp{}, nil
	}
	return s, err
}

func scanTombstone(row pgx.Row) (Tombstone, error) {
	var (
		t        Tombstone
		status   string
		snapshot []byte
		path     []uuid.UUID
	)
	err := row.Scan(&t.ID, &t.Table, &t.RecordID, &t.Stamp.Version, &t.Stamp.Sequence, &t.DeletedAt, &t.DeletedBy,
		&t.Reason, &t.RecordHash, &snapshot, &t.GeoNodeID, &path, &status, &t.PropagationAttempts,
		&t.EscalatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tombstone{}, ErrNotFound
		}
		return Tombstone{}, err
	}
	t.PropagationStatus = Status(status)
	if len(snapshot) > 0 {
		t.Snapshot = json.RawMessage(snapshot)
	}
	t.GeoPath = geo.Path(path)
	return t, nil
}

func collect(rows pgx.Rows) ([]Tombstone, error) {
	defer rows.Close()
	var out []Tombstone
	for rows.Next() {
		t, err := scanTombstone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
