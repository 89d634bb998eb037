/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
)

const volumeColumns = `id, instance_id, provider_volume_id, zone_id, volume_type, size_bytes,
	is_boot, status, delete_on_terminate, created_at, attached_at, deleted_at, reconciled_at,
	last_reconciliation, error_message`

// PostgresVolumeStore implements VolumeStore. Volume rows are never removed;
// audit and cost attribution read them after deletion.
type PostgresVolumeStore struct {
	db *sqlx.DB
}

func NewPostgresVolumeStore(db *sqlx.DB) *PostgresVolumeStore {
	return &PostgresVolumeStore{db: db}
}

func (s *PostgresVolumeStore) Insert(ctx context.Context, volume *v1.Volume) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO volumes (
			id, instance_id, provider_volume_id, zone_id, volume_type, size_bytes,
			is_boot, status, delete_on_terminate, created_at
		) VALUES (
			:id, :instance_id, :provider_volume_id, :zone_id, :volume_type, :size_bytes,
			:is_boot, :status, :delete_on_terminate, :created_at
		)`, volume)
	if err != nil {
		return fmt.Errorf("inserting volume %s, %w", volume.ID, err)
	}
	return nil
}

func (s *PostgresVolumeStore) ListByInstance(ctx context.Context, instanceID string) ([]*v1.Volume, error) {
	var volumes []*v1.Volume
	err := s.db.SelectContext(ctx, &volumes,
		`SELECT `+volumeColumns+` FROM volumes WHERE instance_id = $1 ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing volumes for instance %s, %w", instanceID, err)
	}
	return volumes, nil
}

func (s *PostgresVolumeStore) MarkAttached(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE volumes SET status = 'attached', attached_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("marking volume %s attached, %w", id, err)
	}
	return nil
}

func (s *PostgresVolumeStore) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	// deleted_at set once; the row itself stays.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE volumes SET status = 'deleted', deleted_at = COALESCE(deleted_at, $2) WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("marking volume %s deleted, %w", id, err)
	}
	return nil
}

func (s *PostgresVolumeStore) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE volumes SET reconciled_at = $2, last_reconciliation = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("marking volume %s reconciled, %w", id, err)
	}
	return nil
}

func (s *PostgresVolumeStore) MarkFailed(ctx context.Context, id string, message string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE volumes SET status = 'failed', error_message = $2 WHERE id = $1`, id, message); err != nil {
		return fmt.Errorf("marking volume %s failed, %w", id, err)
	}
	return nil
}

func (s *PostgresVolumeStore) TouchReconciliation(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE volumes SET last_reconciliation = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touching volume %s reconciliation, %w", id, err)
	}
	return nil
}

func (s *PostgresVolumeStore) ClaimUnreconciled(ctx context.Context, cutoff time.Time, limit int) ([]*v1.Volume, error) {
	// The last_reconciliation timestamp acts as retry backoff for volumes
	// whose provider-side deletion keeps failing. Failed deletions stay in
	// the claim set as long as the volume is delete-on-terminate.
	var volumes []*v1.Volume
	err := s.db.SelectContext(ctx, &volumes, `
		UPDATE volumes SET last_reconciliation = now()
		WHERE id IN (
			SELECT id FROM volumes
			WHERE (status = 'deleted' OR (status = 'failed' AND delete_on_terminate))
			  AND reconciled_at IS NULL
			  AND (last_reconciliation IS NULL OR last_reconciliation < $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+volumeColumns, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming unreconciled volumes, %w", err)
	}
	return volumes, nil
}
