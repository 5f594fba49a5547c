package sweeper

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoRuns = errors.New("sweeper: nenhuma execução registrada")

// Repository guarda o histórico de execuções em sweeper_runs.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) InsertRun(ctx context.Context, run Run) error {
	const query = `
        INSERT INTO sweeper_runs (started_at, finished_at, expired_sessions, propagated, collected,
                                  escalated, assignments_changed, delegations_changed, geo_nodes, archive_key, errors)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
    `
	_, err := r.pool.Exec(ctx, query, run.StartedAt, run.FinishedAt, run.ExpiredSessions, run.Propagated,
		run.Collected, run.Escalated, run.AssignmentsChanged, run.DelegationsChanged, run.GeoNodes, run.ArchiveKey, run.Errors)
	return err
}

func (r *Repository) LastRun(ctx context.Context) (Run, error) {
	const query = `
        SELECT started_at, finished_at, expired_sessions, propagated, collected, escalated,
               assignments_changed, delegations_changed, geo_nodes, COALESCE(archive_key, ''), errors
        FROM sweeper_runs
        ORDER BY started_at DESC
        LIMIT 1
    `
	var run Run
	err := r.pool.QueryRow(ctx, query).Scan(&run.StartedAt, &run.FinishedAt, &run.ExpiredSessions, &run.Propagated,
		&run.Collected, &run.Escalated, &run.AssignmentsChanged, &run.DelegationsChanged, &run.GeoNodes, &run.ArchiveKey, &run.Errors)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNoRuns
	}
	return run, err
}
