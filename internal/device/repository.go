package device

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestaozabele/geosync/internal/db"
)

// Repository persiste dispositivos em sync_devices. Um índice único parcial
// garante no máximo um dispositivo ativo por usuário.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository cria instância do repositório.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const deviceColumns = `device_id, user_id, name, platform, app_version, metadata, status, status_reason,
        credential_hash, credential_expires_at, deleted, deleted_at, registered_at, updated_at, last_seen_at`

func scanDevice(row pgx.Row) (Device, error) {
	var (
		d        Device
		metadata []byte
		status   string
	)
	err := row.Scan(&d.DeviceID, &d.UserID, &d.Name, &d.Platform, &d.AppVersion, &metadata, &status, &d.StatusReason,
		&d.CredentialHash, &d.CredentialExpiresAt, &d.Deleted, &d.DeletedAt, &d.RegisteredAt, &d.UpdatedAt, &d.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, err
	}
	d.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
			return Device{}, err
		}
	}
	return d, nil
}

func (r *Repository) Get(ctx context.Context, deviceID string) (Device, error) {
	return scanDevice(r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM sync_devices WHERE device_id = $1`, deviceID))
}

func (r *Repository) Save(ctx context.Context, d Device, suspendOthers bool) ([]Device, error) {
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return nil, err
	}

	var suspended []Device
	err = db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if suspendOthers && d.Usable() {
			rows, err := tx.Query(ctx, `
                UPDATE sync_devices
                SET status = 'suspended', status_reason = 'substituído por ' || $2, updated_at = $3
                WHERE user_id = $1 AND device_id <> $2 AND status = 'active' AND NOT deleted
                RETURNING `+deviceColumns, d.UserID, d.DeviceID, d.UpdatedAt)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				other, err := scanDevice(rows)
				if err != nil {
					return err
				}
				suspended = append(suspended, other)
			}
			if err := rows.Err(); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, `
            INSERT INTO sync_devices (`+deviceColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
            ON CONFLICT (device_id) DO UPDATE
            SET name = EXCLUDED.name,
                platform = EXCLUDED.platform,
                app_version = EXCLUDED.app_version,
                metadata = EXCLUDED.metadata,
                status = EXCLUDED.status,
                status_reason = EXCLUDED.status_reason,
                credential_hash = EXCLUDED.credential_hash,
                credential_expires_at = EXCLUDED.credential_expires_at,
                deleted = EXCLUDED.deleted,
                deleted_at = EXCLUDED.deleted_at,
                updated_at = EXCLUDED.updated_at,
                last_seen_at = EXCLUDED.last_seen_at
            WHERE sync_devices.user_id = EXCLUDED.user_id`,
			d.DeviceID, d.UserID, d.Name, d.Platform, d.AppVersion, metadata, string(d.Status), d.StatusReason,
			d.CredentialHash, d.CredentialExpiresAt, d.Deleted, d.DeletedAt, d.RegisteredAt, d.UpdatedAt, d.LastSeenAt)
		return err
	})
	return suspended, err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+`
        FROM sync_devices
        WHERE user_id = $1 AND NOT deleted
        ORDER BY registered_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repository) Touch(ctx context.Context, deviceID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE sync_devices SET last_seen_at = $2 WHERE device_id = $1`, deviceID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) EligibleForTombstones(ctx context.Context, deletedAt time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT device_id FROM sync_devices
        WHERE status <> 'revoked' AND NOT deleted AND registered_at <= $1
        ORDER BY device_id`, deletedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
