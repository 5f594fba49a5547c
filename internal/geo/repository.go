package geo

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository lê e grava a tabela geo_nodes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository cria instância do repositório.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadAll carrega todos os nós ativos.
func (r *Repository) LoadAll(ctx context.Context) ([]Node, error) {
	const query = `
        SELECT id, level, parent_id, code, name, geometry
        FROM geo_nodes
        ORDER BY level_rank, code
    `

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var (
			n        Node
			level    string
			geometry []byte
		)
		if err := rows.Scan(&n.ID, &level, &n.ParentID, &n.Code, &n.Name, &geometry); err != nil {
			return nil, err
		}
		n.Level = Level(level)
		if len(geometry) > 0 {
			n.Geometry = json.RawMessage(geometry)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Upsert grava os nós em lote. A validação da árvore é responsabilidade do chamador.
func (r *Repository) Upsert(ctx context.Context, nodes []Node) error {
	const query = `
        INSERT INTO geo_nodes (id, level, level_rank, parent_id, code, name, geometry)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE
        SET level = EXCLUDED.level,
            level_rank = EXCLUDED.level_rank,
            parent_id = EXCLUDED.parent_id,
            code = EXCLUDED.code,
            name = EXCLUDED.name,
            geometry = COALESCE(EXCLUDED.geometry, geo_nodes.geometry)
    `

	batch := &pgx.Batch{}
	for _, n := range nodes {
		var geometry []byte
		if len(n.Geometry) > 0 {
			geometry = n.Geometry
		}
		batch.Queue(query, n.ID, string(n.Level), n.Level.Rank(), n.ParentID, n.Code, n.Name, geometry)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range nodes {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Exists verifica se o nó existe.
func (r *Repository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM geo_nodes WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}
