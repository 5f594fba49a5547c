package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx executa uma função dentro de uma transação explicita.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Códigos SQLSTATE usados para classificar falhas.
const (
	sqlStateUniqueViolation   = "23505"
	sqlStateSerialization     = "40001"
	sqlStateDeadlock          = "40P01"
	sqlStateLockNotAvailable  = "55P03"
	sqlStateQueryCanceled     = "57014"
	sqlStateConnectionFailure = "08006"
)

// IsUniqueViolation indica violação de constraint única.
func IsUniqueViolation(err error) bool {
	return sqlState(err) == sqlStateUniqueViolation
}

// IsTransient indica falhas que podem ser repetidas (contenção, timeout, conexão).
func IsTransient(err error) bool {
	switch sqlState(err) {
	case sqlStateSerialization, sqlStateDeadlock, sqlStateLockNotAvailable, sqlStateQueryCanceled, sqlStateConnectionFailure:
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

type txKey struct{}

// ContextWithTx associa a transação ao contexto para que repositórios
// diferentes participem da mesma unidade atômica.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext recupera a transação associada, se houver.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// Querier é o subconjunto comum a pool e transação.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn devolve a transação do contexto ou o pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pool
}
