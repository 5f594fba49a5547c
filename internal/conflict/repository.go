package conflict

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

// Repository persiste conflitos em sync_conflicts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository cria instância do repositório.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const conflictColumns = `id, session_id, device_id, user_id, table_name, record_id, field_name, operation, conflict_type,
        base_version, base_sequence, server_version, server_sequence, server_value, client_value, final_value,
        resolution, status, geo_node_id, geo_path, resolved_by, resolved_at, created_at`

func scanConflict(row pgx.Row) (Conflict, error) {
	var (
		c                    Conflict
		op, ctype, res, stat string
		server, client, fin  []byte
		path                 []uuid.UUID
	)
	err := row.Scan(&c.ID, &c.SessionID, &c.DeviceID, &c.UserID, &c.Table, &c.RecordID, &c.FieldName, &op, &ctype,
		&c.BaseVersion.Version, &c.BaseVersion.Sequence, &c.ServerVersion.Version, &c.ServerVersion.Sequence,
		&server, &client, &fin, &res, &stat, &c.GeoNodeID, &path, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conflict{}, ErrNotFound
		}
		return Conflict{}, err
	}
	c.Operation = changelog.Op(op)
	c.Type = Type(ctype)
	c.Resolution = Resolution(res)
	c.Status = Status(stat)
	c.ServerValue = rawOrNil(server)
	c.ClientValue = rawOrNil(client)
	c.FinalValue = rawOrNil(fin)
	c.GeoPath = geo.Path(path)
	return c, nil
}

// Insert participa da transação do contexto, se houver.
func (r *Repository) Insert(ctx context.Context, cs ...Conflict) error {
	if len(cs) == 0 {
		return nil
	}
	q := db.Conn(ctx, r.pool)
	for _, c := range cs {
		_, err := q.Exec(ctx, `
            INSERT INTO sync_conflicts (`+conflictColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
			c.ID, c.SessionID, c.DeviceID, c.UserID, c.Table, c.RecordID, c.FieldName, string(c.Operation), string(c.Type),
			c.BaseVersion.Version, c.BaseVersion.Sequence, c.ServerVersion.Version, c.ServerVersion.Sequence,
			jsonOrNil(c.ServerValue), jsonOrNil(c.ClientValue), jsonOrNil(c.FinalValue),
			string(c.Resolution), string(c.Status), c.GeoNodeID, []uuid.UUID(c.GeoPath), c.ResolvedBy, c.ResolvedAt, c.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Conflict, error) {
	return scanConflict(r.pool.QueryRow(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = $1`, id))
}

func (r *Repository) List(ctx context.Context, f Filter) ([]Conflict, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+conflictColumns+`
        FROM sync_conflicts
        WHERE ($1 = '' OR table_name = $1)
          AND ($2::uuid IS NULL OR user_id = $2)
          AND ($3 = '' OR session_id = $3)
          AND ($4 = '' OR status = $4)
        ORDER BY created_at
        LIMIT $5`, f.Table, f.UserID, f.SessionID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) MarkResolved(ctx context.Context, id uuid.UUID, resolution Resolution, final json.RawMessage, reviewer uuid.UUID, at time.Time) (Conflict, error) {
	c, err := scanConflict(r.pool.QueryRow(ctx, `
        UPDATE sync_conflicts
        SET status = 'resolved', resolution = $2, final_value = $3, resolved_by = $4, resolved_at = $5
        WHERE id = $1 AND status = 'pending_review'
        RETURNING `+conflictColumns, id, string(resolution), jsonOrNil(final), reviewer, at))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.Get(ctx, id); getErr == nil {
			return Conflict{}, ErrAlreadyResolved
		}
	}
	return c, err
}

func jsonOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
