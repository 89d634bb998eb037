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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
)

const instanceColumns = `id, provider_id, zone_id, instance_type_id, model_id, status,
	provider_instance_id, public_address, error_code, error_message, deletion_reason,
	created_at, boot_started_at, terminated_at, failed_at, last_health_check, last_reconciliation,
	health_check_failures, worker_status, worker_heartbeat_at, worker_model_id, worker_queue_depth,
	worker_gpu_utilization, worker_health_port, worker_engine_port, worker_metadata`

// PostgresInstanceStore implements InstanceStore over the instances table.
type PostgresInstanceStore struct {
	db *sqlx.DB
}

func NewPostgresInstanceStore(db *sqlx.DB) *PostgresInstanceStore {
	return &PostgresInstanceStore{db: db}
}

func (s *PostgresInstanceStore) Get(ctx context.Context, id string) (*v1.Instance, error) {
	var instance v1.Instance
	err := s.db.GetContext(ctx, &instance, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{InstanceID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance %s, %w", id, err)
	}
	return &instance, nil
}

func (s *PostgresInstanceStore) GetByProviderInstanceID(ctx context.Context, providerInstanceID string) (*v1.Instance, error) {
	var instance v1.Instance
	err := s.db.GetContext(ctx, &instance,
		`SELECT `+instanceColumns+` FROM instances WHERE provider_instance_id = $1`, providerInstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{InstanceID: providerInstanceID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance by provider id %s, %w", providerInstanceID, err)
	}
	return &instance, nil
}

func (s *PostgresInstanceStore) Insert(ctx context.Context, instance *v1.Instance) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO instances (
			id, provider_id, zone_id, instance_type_id, model_id, status,
			provider_instance_id, public_address, created_at, health_check_failures
		) VALUES (
			:id, :provider_id, :zone_id, :instance_type_id, :model_id, :status,
			:provider_instance_id, :public_address, :created_at, :health_check_failures
		)`, instance)
	if err != nil {
		return fmt.Errorf("inserting instance %s, %w", instance.ID, err)
	}
	return nil
}

func (s *PostgresInstanceStore) ListByStatus(ctx context.Context, statuses ...v1.InstanceStatus) ([]*v1.Instance, error) {
	query, args, err := sqlx.In(
		`SELECT `+instanceColumns+` FROM instances WHERE status IN (?) ORDER BY created_at`,
		lo.Map(statuses, func(s v1.InstanceStatus, _ int) string { return string(s) }))
	if err != nil {
		return nil, fmt.Errorf("building status query, %w", err)
	}
	var instances []*v1.Instance
	if err := s.db.SelectContext(ctx, &instances, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing instances by status, %w", err)
	}
	return instances, nil
}

func (s *PostgresInstanceStore) ListRoutable(ctx context.Context, modelID string, horizon time.Duration) ([]*v1.Instance, error) {
	var instances []*v1.Instance
	err := s.db.SelectContext(ctx, &instances, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = 'ready'
		  AND model_id = $1
		  AND public_address IS NOT NULL
		  AND (worker_status IS NULL OR worker_status = 'ready')
		  AND GREATEST(
			COALESCE(worker_heartbeat_at, 'epoch'::timestamptz),
			COALESCE(last_health_check, 'epoch'::timestamptz),
			COALESCE(last_reconciliation, 'epoch'::timestamptz)
		  ) > now() - $2::interval
		ORDER BY created_at`, modelID, horizon.String())
	if err != nil {
		return nil, fmt.Errorf("listing routable instances for model %s, %w", modelID, err)
	}
	return instances, nil
}

func (s *PostgresInstanceStore) SetProviderInstanceID(ctx context.Context, id, providerInstanceID string) error {
	// Set at most once, never unset: the WHERE clause refuses overwrites.
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET provider_instance_id = $2
		WHERE id = $1 AND (provider_instance_id IS NULL OR provider_instance_id = $2)`, id, providerInstanceID)
	if err != nil {
		return fmt.Errorf("setting provider instance id on %s, %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s already has a different provider_instance_id", id)
	}
	return nil
}

func (s *PostgresInstanceStore) SetPublicAddress(ctx context.Context, id string, address *string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE instances SET public_address = $2 WHERE id = $1`, id, address); err != nil {
		return fmt.Errorf("setting public address on %s, %w", id, err)
	}
	return nil
}

func (s *PostgresInstanceStore) UpdateWorkerRuntime(ctx context.Context, id string, update WorkerRuntimeUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET
			worker_status          = COALESCE($2, worker_status),
			worker_heartbeat_at    = COALESCE($3, worker_heartbeat_at),
			worker_model_id        = COALESCE($4, worker_model_id),
			worker_queue_depth     = COALESCE($5, worker_queue_depth),
			worker_gpu_utilization = COALESCE($6, worker_gpu_utilization),
			worker_health_port     = COALESCE($7, worker_health_port),
			worker_engine_port     = COALESCE($8, worker_engine_port),
			worker_metadata        = COALESCE($9, worker_metadata)
		WHERE id = $1`,
		id, update.Status, update.HeartbeatAt, update.ModelID, update.QueueDepth,
		update.GPUUtilization, update.HealthPort, update.EnginePort, update.Metadata)
	if err != nil {
		return fmt.Errorf("updating worker runtime on %s, %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{InstanceID: id}
	}
	return nil
}

func (s *PostgresInstanceStore) TouchHealthCheck(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE instances SET last_health_check = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touching health check on %s, %w", id, err)
	}
	return nil
}

func (s *PostgresInstanceStore) TouchReconciliation(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE instances SET last_reconciliation = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touching reconciliation on %s, %w", id, err)
	}
	return nil
}

func (s *PostgresInstanceStore) ClaimTerminatingStuck(ctx context.Context, cutoff time.Time, limit int) ([]*v1.Instance, error) {
	// Claim-by-update with skip-locked so parallel sweeps never contend on
	// the same rows; the claim itself advances last_reconciliation.
	var instances []*v1.Instance
	err := s.db.SelectContext(ctx, &instances, `
		UPDATE instances SET last_reconciliation = now()
		WHERE id IN (
			SELECT id FROM instances
			WHERE status = 'terminating'
			  AND (last_reconciliation IS NULL OR last_reconciliation < $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+instanceColumns, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming stuck terminating instances, %w", err)
	}
	return instances, nil
}
