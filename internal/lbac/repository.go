package lbac

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestaozabele/geosync/internal/db"
	"github.com/gestaozabele/geosync/internal/geo"
)

// Repository persiste o estado LBAC no Postgres. Os escopos usam quatro
// colunas exclusivas (governorate_id, district_id, sub_district_id,
// neighborhood_id) com CHECK de exatamente uma preenchida.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository cria instância do repositório.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const assignmentColumns = `id, user_id, governorate_id, district_id, sub_district_id, neighborhood_id,
        assignment_type, start_date, end_date, is_active, created_by, created_at, revoked_at`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var (
		a              Assignment
		gov, dist      *uuid.UUID
		sub, nb        *uuid.UUID
		assignmentType string
	)
	err := row.Scan(&a.ID, &a.UserID, &gov, &dist, &sub, &nb, &assignmentType, &a.StartDate, &a.EndDate,
		&a.IsActive, &a.CreatedBy, &a.CreatedAt, &a.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, err
	}
	a.Type = AssignmentType(assignmentType)
	a.Scope, err = geo.ScopeFromColumns(gov, dist, sub, nb)
	return a, err
}

func collectAssignments(rows pgx.Rows) ([]Assignment, error) {
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) ActiveAssignments(ctx context.Context, userID uuid.UUID, now time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+`
        FROM lbac_assignments
        WHERE user_id = $1 AND is_active AND revoked_at IS NULL
          AND start_date <= $2 AND (end_date IS NULL OR end_date > $2)
        ORDER BY created_at`, userID, now)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

func (r *Repository) CreateAssignment(ctx context.Context, a Assignment) ([]Assignment, error) {
	var superseded []Assignment
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            UPDATE lbac_assignments
            SET end_date = $3,
                is_active = CASE WHEN $4 THEN false ELSE is_active END
            WHERE user_id = $1 AND assignment_type = $2 AND is_active AND revoked_at IS NULL
              AND (end_date IS NULL OR end_date > $3)
            RETURNING `+assignmentColumns, a.UserID, string(a.Type), a.StartDate, a.IsActive)
		if err != nil {
			return err
		}
		superseded, err = collectAssignments(rows)
		if err != nil {
			return err
		}

		gov, dist, sub, nb := a.Scope.Columns()
		_, err = tx.Exec(ctx, `
            INSERT INTO lbac_assignments (`+assignmentColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			a.ID, a.UserID, gov, dist, sub, nb, string(a.Type), a.StartDate, a.EndDate,
			a.IsActive, a.CreatedBy, a.CreatedAt, a.RevokedAt)
		return err
	})
	return superseded, err
}

func (r *Repository) GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error) {
	return scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM lbac_assignments WHERE id = $1`, id))
}

func (r *Repository) RevokeAssignment(ctx context.Context, id uuid.UUID, at time.Time) (Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `
        UPDATE lbac_assignments
        SET is_active = false, revoked_at = $2
        WHERE id = $1 AND revoked_at IS NULL
        RETURNING `+assignmentColumns, id, at))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetAssignment(ctx, id); getErr == nil {
			return Assignment{}, ErrAlreadyRevoked
		}
	}
	return a, err
}

func (r *Repository) ExpireAssignments(ctx context.Context, now time.Time) ([]Assignment, []Assignment, error) {
	var expired, activated []Assignment
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            UPDATE lbac_assignments SET is_active = false
            WHERE is_active AND revoked_at IS NULL AND end_date IS NOT NULL AND end_date <= $1
            RETURNING `+assignmentColumns, now)
		if err != nil {
			return err
		}
		if expired, err = collectAssignments(rows); err != nil {
			return err
		}
		rows, err = tx.Query(ctx, `
            UPDATE lbac_assignments SET is_active = true
            WHERE NOT is_active AND revoked_at IS NULL AND start_date <= $1
              AND (end_date IS NULL OR end_date > $1)
            RETURNING `+assignmentColumns, now)
		if err != nil {
			return err
		}
		activated, err = collectAssignments(rows)
		return err
	})
	return expired, activated, err
}

func (r *Repository) AppendHistory(ctx context.Context, entries ...HistoryEntry) error {
	batch := &pgx.Batch{}
	for _, h := range entries {
		prev, err := marshalOptional(h.Previous)
		if err != nil {
			return err
		}
		cur, err := marshalOptional(h.Current)
		if err != nil {
			return err
		}
		batch.Queue(`
            INSERT INTO lbac_assignment_history (id, user_id, assignment_id, action, previous, current, actor_id, reason, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			h.ID, h.UserID, h.AssignmentID, string(h.Action), prev, cur, nullUUID(h.ActorID), h.Reason, h.CreatedAt)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) History(ctx context.Context, userID uuid.UUID) ([]HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, user_id, assignment_id, action, previous, current, actor_id, reason, created_at
        FROM lbac_assignment_history
        WHERE user_id = $1
        ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			h         HistoryEntry
			action    string
			prev, cur []byte
			actor     *uuid.UUID
		)
		if err := rows.Scan(&h.ID, &h.UserID, &h.AssignmentID, &action, &prev, &cur, &actor, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Action = HistoryAction(action)
		if actor != nil {
			h.ActorID = *actor
		}
		if h.Previous, err = unmarshalAssignment(prev); err != nil {
			return nil, err
		}
		if h.Current, err = unmarshalAssignment(cur); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *Repository) Constraints(ctx context.Context, permission string) ([]Constraint, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, permission, governorate_id, district_id, sub_district_id, neighborhood_id,
               level, constraint_type, priority, created_at
        FROM lbac_permission_constraints
        WHERE permission = $1
        ORDER BY priority`, permission)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Constraint
	for rows.Next() {
		var (
			c                   Constraint
			gov, dist, sub, nb  *uuid.UUID
			level, constraintTy string
		)
		if err := rows.Scan(&c.ID, &c.Permission, &gov, &dist, &sub, &nb, &level, &constraintTy, &c.Priority, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Level = geo.Level(level)
		c.Type = ConstraintType(constraintTy)
		if c.Scope, err = geo.ScopeFromColumns(gov, dist, sub, nb); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) InsertConstraint(ctx context.Context, c Constraint) error {
	gov, dist, sub, nb := c.Scope.Columns()
	_, err := r.pool.Exec(ctx, `
        INSERT INTO lbac_permission_constraints
            (id, permission, governorate_id, district_id, sub_district_id, neighborhood_id, level, constraint_type, priority, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Permission, gov, dist, sub, nb, string(c.Level), string(c.Type), c.Priority, c.CreatedAt)
	return err
}

const delegationColumns = `id, from_user_id, to_user_id, permissions, governorate_id, district_id, sub_district_id,
        neighborhood_id, start_date, end_date, max_usage_count, current_usage_count, status, reason, created_at, revoked_at`

func scanDelegation(row pgx.Row) (Delegation, error) {
	var (
		d                  Delegation
		gov, dist, sub, nb *uuid.UUID
		status             string
	)
	err := row.Scan(&d.ID, &d.FromUserID, &d.ToUserID, &d.Permissions, &gov, &dist, &sub, &nb,
		&d.StartDate, &d.EndDate, &d.MaxUsageCount, &d.CurrentUsageCount, &status, &d.Reason, &d.CreatedAt, &d.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delegation{}, ErrNotFound
		}
		return Delegation{}, err
	}
	d.Status = DelegationStatus(status)
	d.Scope, err = geo.ScopeFromColumns(gov, dist, sub, nb)
	return d, err
}

func collectDelegations(rows pgx.Rows) ([]Delegation, error) {
	defer rows.Close()
	var out []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repository) ActiveDelegations(ctx context.Context, userID uuid.UUID, now time.Time) ([]Delegation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+delegationColumns+`
        FROM lbac_delegations
        WHERE to_user_id = $1 AND status = 'active' AND start_date <= $2 AND end_date > $2
        ORDER BY created_at`, userID, now)
	if err != nil {
		return nil, err
	}
	return collectDelegations(rows)
}

func (r *Repository) InsertDelegation(ctx context.Context, d Delegation) error {
	gov, dist, sub, nb := d.Scope.Columns()
	_, err := r.pool.Exec(ctx, `
        INSERT INTO lbac_delegations (`+delegationColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.FromUserID, d.ToUserID, d.Permissions, gov, dist, sub, nb, d.StartDate, d.EndDate,
		d.MaxUsageCount, d.CurrentUsageCount, string(d.Status), d.Reason, d.CreatedAt, d.RevokedAt)
	return err
}

func (r *Repository) GetDelegation(ctx context.Context, id uuid.UUID) (Delegation, error) {
	return scanDelegation(r.pool.QueryRow(ctx, `SELECT `+delegationColumns+` FROM lbac_delegations WHERE id = $1`, id))
}

func (r *Repository) RevokeDelegation(ctx context.Context, id uuid.UUID, at time.Time) (Delegation, error) {
	d, err := scanDelegation(r.pool.QueryRow(ctx, `
        UPDATE lbac_delegations SET status = 'revoked', revoked_at = $2
        WHERE id = $1 AND status <> 'revoked'
        RETURNING `+delegationColumns, id, at))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetDelegation(ctx, id); getErr == nil {
			return Delegation{}, ErrAlreadyRevoked
		}
	}
	return d, err
}

// ConsumeDelegation incrementa o uso com uma única instrução condicional.
func (r *Repository) ConsumeDelegation(ctx context.Context, id uuid.UUID, now time.Time) (Delegation, bool, error) {
	d, err := scanDelegation(r.pool.QueryRow(ctx, `
        UPDATE lbac_delegations
        SET current_usage_count = current_usage_count + 1,
            status = CASE
                WHEN max_usage_count IS NOT NULL AND current_usage_count + 1 >= max_usage_count THEN 'used_up'
                ELSE status END
        WHERE id = $1 AND status = 'active' AND start_date <= $2 AND end_date > $2
          AND (max_usage_count IS NULL OR current_usage_count < max_usage_count)
        RETURNING `+delegationColumns, id, now))
	if errors.Is(err, ErrNotFound) {
		current, getErr := r.GetDelegation(ctx, id)
		if getErr != nil {
			return Delegation{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Delegation{}, false, err
	}
	return d, true, nil
}

func (r *Repository) RefreshDelegations(ctx context.Context, now time.Time) ([]Delegation, error) {
	var changed []Delegation
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            UPDATE lbac_delegations SET status = 'expired'
            WHERE status IN ('pending', 'active') AND end_date <= $1
            RETURNING `+delegationColumns, now)
		if err != nil {
			return err
		}
		expired, err := collectDelegations(rows)
		if err != nil {
			return err
		}
		rows, err = tx.Query(ctx, `
            UPDATE lbac_delegations SET status = 'active'
            WHERE status = 'pending' AND start_date <= $1 AND end_date > $1
            RETURNING `+delegationColumns, now)
		if err != nil {
			return err
		}
		activated, err := collectDelegations(rows)
		if err != nil {
			return err
		}
		changed = append(expired, activated...)
		return nil
	})
	return changed, err
}

func (r *Repository) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO lbac_access_audit
            (id, user_id, action, geo_node_id, allowed, reason, delegation_id, from_cache, elapsed_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.Action, nullUUID(e.GeoNodeID), e.Allowed, e.Reason, e.Delegation, e.FromCache, e.ElapsedMS, e.CreatedAt)
	return err
}

func (r *Repository) Audit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT id, user_id, action, geo_node_id, allowed, reason, delegation_id, from_cache, elapsed_ms, created_at
        FROM lbac_access_audit
        WHERE ($1::uuid IS NULL OR user_id = $1)
          AND ($2::timestamptz IS NULL OR created_at >= $2)
        ORDER BY created_at DESC
        LIMIT $3`, f.UserID, f.Since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e    AuditEntry
			node *uuid.UUID
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &node, &e.Allowed, &e.Reason, &e.Delegation, &e.FromCache, &e.ElapsedMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		if node != nil {
			e.GeoNodeID = *node
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func marshalOptional(a *Assignment) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func unmarshalAssignment(raw []byte) (*Assignment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a Assignment
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
