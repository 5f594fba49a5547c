package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestaozabele/geosync/internal/db"
	"github.com/gestaozabele/geosync/internal/geo"
	"github.com/gestaozabele/geosync/internal/util"
)

// hlcLockKey identifica o advisory lock que serializa a alocação no modo hlc.
const hlcLockKey int64 = 0x67656f73796e63

// PGStore grava o log em change_tracking.
//
// No modo contador a linha de sync_version_counter é incrementada dentro da
// transação da inclusão; o lock de linha garante que os commits acontecem na
// ordem das versões. No modo hlc o mesmo efeito vem de pg_advisory_xact_lock.
type PGStore struct {
	pool  *pgxpool.Pool
	hlc   *HLC
	clock util.Clock
}

// NewPGStore cria o store. hlc nil usa o contador persistido.
func NewPGStore(pool *pgxpool.Pool, hlc *HLC, clock util.Clock) *PGStore {
	return &PGStore{pool: pool, hlc: hlc, clock: clock}
}

const entryColumns = `id, table_name, record_id, change_version, change_sequence, operation,
        snapshot, diff, geo_node_id, geo_path, actor_id, device_id, client_change_id, created_at`

func (s *PGStore) Append(ctx context.Context, c Change) (Entry, bool, error) {
	keyed := c.DeviceID != "" && c.IdempotencyKey != ""
	if keyed {
		existing, err := s.FindByIdempotencyKey(ctx, c.DeviceID, c.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Entry{}, false, err
		}
	}

	var entry Entry
	err := db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if c.ExpectedLatest != nil {
			if err := s.checkLatest(ctx, tx, c.Table, c.RecordID, *c.ExpectedLatest); err != nil {
				return err
			}
		}
		stamp, err := s.nextStamp(ctx, tx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVersionUnavailable, err)
		}
		entry = Entry{
			ID:             util.NewUUID(),
			Table:          c.Table,
			RecordID:       c.RecordID,
			Stamp:          stamp,
			Operation:      c.Op,
			Snapshot:       c.Snapshot,
			Diff:           c.Diff,
			GeoNodeID:      c.GeoNodeID,
			GeoPath:        c.GeoPath,
			ActorID:        c.ActorID,
			DeviceID:       c.DeviceID,
			ClientChangeID: c.IdempotencyKey,
			CreatedAt:      s.clock.OrNow(),
		}

		const insert = `
            INSERT INTO change_tracking (` + entryColumns + `)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        `
		if _, err := tx.Exec(ctx, insert,
			entry.ID, entry.Table, entry.RecordID, stamp.Version, stamp.Sequence, string(entry.Operation),
			nullJSON(entry.Snapshot), nullJSON(entry.Diff), entry.GeoNodeID, []uuid.UUID(entry.GeoPath),
			entry.ActorID, nullString(entry.DeviceID), nullString(entry.ClientChangeID), entry.CreatedAt,
		); err != nil {
			return err
		}

		if c.Within != nil {
			return c.Within(db.ContextWithTx(ctx, tx), entry)
		}
		return nil
	})
	if err != nil {
		if keyed && db.IsUniqueViolation(err) {
			existing, findErr := s.FindByIdempotencyKey(ctx, c.DeviceID, c.IdempotencyKey)
			if findErr == nil {
				return existing, true, nil
			}
		}
		return Entry{}, false, err
	}
	return entry, false, nil
}

// checkLatest serializa escritores do mesmo registro até o fim da transação
// e confere que ninguém incluiu entrada depois da leitura do chamador.
func (s *PGStore) checkLatest(ctx context.Context, tx pgx.Tx, table, recordID string, expected Stamp) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, recordKey(table, recordID)); err != nil {
		return err
	}
	var latest Stamp
	err := tx.QueryRow(ctx, `SELECT change_version, change_sequence
        FROM change_tracking
        WHERE table_name = $1 AND record_id = $2
        ORDER BY change_version DESC, change_sequence DESC
        LIMIT 1`, table, recordID).Scan(&latest.Version, &latest.Sequence)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if latest != expected {
		return ErrStaleBase
	}
	return nil
}

func (s *PGStore) nextStamp(ctx context.Context, tx pgx.Tx) (Stamp, error) {
	if s.hlc == nil {
		var v int64
		err := tx.QueryRow(ctx, `UPDATE sync_version_counter SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&v)
		if err != nil {
			return Stamp{}, err
		}
		return Stamp{Version: v}, nil
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, hlcLockKey); err != nil {
		return Stamp{}, err
	}
	var high Stamp
	err := tx.QueryRow(ctx, `
        SELECT change_version, change_sequence
        FROM change_tracking
        ORDER BY change_version DESC, change_sequence DESC
        LIMIT 1
    `).Scan(&high.Version, &high.Sequence)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Stamp{}, err
	}
	s.hlc.Observe(high)
	return s.hlc.Next(ctx)
}

func (s *PGStore) FindByIdempotencyKey(ctx context.Context, deviceID, key string) (Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+`
        FROM change_tracking
        WHERE device_id = $1 AND client_change_id = $2`, deviceID, key)
	return scanEntry(row)
}

func (s *PGStore) Latest(ctx context.Context, table, recordID string) (Entry, error) {
	row := db.Conn(ctx, s.pool).QueryRow(ctx, `SELECT `+entryColumns+`
        FROM change_tracking
        WHERE table_name = $1 AND record_id = $2
        ORDER BY change_version DESC, change_sequence DESC
        LIMIT 1`, table, recordID)
	return scanEntry(row)
}

func (s *PGStore) After(ctx context.Context, table, recordID string, base Stamp) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
        FROM change_tracking
        WHERE table_name = $1 AND record_id = $2
          AND (change_version, change_sequence) > ($3, $4)
        ORDER BY change_version, change_sequence`, table, recordID, base.Version, base.Sequence)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *PGStore) Range(ctx context.Context, q RangeQuery) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	nodes := q.Nodes
	if nodes == nil {
		nodes = []uuid.UUID{}
	}
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
        FROM change_tracking
        WHERE (change_version, change_sequence) > ($1, $2)
          AND (change_version, change_sequence) <= ($3, $4)
          AND ($5 = '' OR table_name = $5)
          AND (cardinality($6::uuid[]) = 0 OR geo_path && $6::uuid[])
        ORDER BY change_version, change_sequence
        LIMIT $7`,
		q.From.Version, q.From.Sequence, q.To.Version, q.To.Sequence, q.Table, nodes, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *PGStore) HighWater(ctx context.Context) (Stamp, error) {
	var high Stamp
	err := s.pool.QueryRow(ctx, `
        SELECT change_version, change_sequence
        FROM change_tracking
        ORDER BY change_version DESC, change_sequence DESC
        LIMIT 1
    `).Scan(&high.Version, &high.Sequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stamp{}, nil
	}
	return high, err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e        Entry
		op       string
		snapshot []byte
		diff     []byte
		path     []uuid.UUID
		deviceID *string
		changeID *string
	)
	err := row.Scan(&e.ID, &e.Table, &e.RecordID, &e.Stamp.Version, &e.Stamp.Sequence, &op,
		&snapshot, &diff, &e.GeoNodeID, &path, &e.ActorID, &deviceID, &changeID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	e.Operation = Op(op)
	if len(snapshot) > 0 {
		e.Snapshot = json.RawMessage(snapshot)
	}
	if len(diff) > 0 {
		e.Diff = json.RawMessage(diff)
	}
	e.GeoPath = geo.Path(path)
	if deviceID != nil {
		e.DeviceID = *deviceID
	}
	if changeID != nil {
		e.ClientChangeID = *changeID
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
