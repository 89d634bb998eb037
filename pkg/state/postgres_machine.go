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

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
)

// PostgresMachine serializes transitions per instance with row-level locks.
type PostgresMachine struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresMachine(db *sqlx.DB, logger *zap.Logger) *PostgresMachine {
	return &PostgresMachine{db: db, logger: logger.Named("state")}
}

// withLockedInstance runs fn against the row locked FOR UPDATE in one
// transaction. All transitions funnel through here.
func (m *PostgresMachine) withLockedInstance(ctx context.Context, id string, fn func(tx *sqlx.Tx, instance *v1.Instance) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transition tx, %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var instance v1.Instance
	err = tx.GetContext(ctx, &instance, `SELECT `+instanceColumns+` FROM instances WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{InstanceID: id}
	}
	if err != nil {
		return fmt.Errorf("locking instance %s, %w", id, err)
	}
	if err := fn(tx, &instance); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition for %s, %w", id, err)
	}
	return nil
}

func (m *PostgresMachine) TransitionToBooting(ctx context.Context, id, providerInstanceID string, address *string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		// Provision and terminate may race; the terminal branch wins.
		if instance.Status == v1.InstanceStatusTerminating || instance.Status == v1.InstanceStatusTerminated || instance.Status == v1.InstanceStatusArchived {
			m.logger.Info("skipping booting transition on terminating instance", zap.String("instance_id", id))
			return nil
		}
		if instance.Status != v1.InstanceStatusProvisioning {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusBooting}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				status = 'booting',
				provider_instance_id = COALESCE(provider_instance_id, $2),
				public_address = COALESCE($3, public_address),
				boot_started_at = now()
			WHERE id = $1`, id, providerInstanceID, address)
		if err != nil {
			return fmt.Errorf("transitioning %s to booting, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) TransitionToReady(ctx context.Context, id, note string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if !lo.Contains(legalFrom(v1.InstanceStatusReady), instance.Status) {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusReady}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				status = 'ready',
				error_code = NULL,
				error_message = NULL,
				health_check_failures = 0,
				last_health_check = now()
			WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("transitioning %s to ready, %w", id, err)
		}
		m.logger.Info("instance ready", zap.String("instance_id", id), zap.String("note", note))
		return nil
	})
}

func (m *PostgresMachine) TransitionToStartupFailed(ctx context.Context, id, code, message string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if !lo.Contains(legalFrom(v1.InstanceStatusStartupFailed), instance.Status) {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusStartupFailed}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				status = 'startup_failed',
				error_code = $2,
				error_message = $3,
				failed_at = now()
			WHERE id = $1`, id, code, message)
		if err != nil {
			return fmt.Errorf("transitioning %s to startup_failed, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) TransitionToProvisioningFailed(ctx context.Context, id, code, message string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if !lo.Contains(legalFrom(v1.InstanceStatusProvisioningFailed), instance.Status) {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusProvisioningFailed}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				status = 'provisioning_failed',
				error_code = $2,
				error_message = $3,
				failed_at = now()
			WHERE id = $1`, id, code, message)
		if err != nil {
			return fmt.Errorf("transitioning %s to provisioning_failed, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) TransitionToTerminating(ctx context.Context, id string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if instance.Status == v1.InstanceStatusTerminating {
			return nil
		}
		if instance.Status.IsTerminal() && instance.Status != v1.InstanceStatusProvisioningFailed && instance.Status != v1.InstanceStatusStartupFailed && instance.Status != v1.InstanceStatusFailed {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusTerminating}
		}
		// last_reconciliation is nulled to force the next sweep to pick the
		// row up immediately.
		_, err := tx.ExecContext(ctx, `
			UPDATE instances SET status = 'terminating', last_reconciliation = NULL
			WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("transitioning %s to terminating, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) TransitionToTerminated(ctx context.Context, id string, reason *string, providerConfirmed bool) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if instance.Status == v1.InstanceStatusTerminated {
			return nil // replayed terminate is a no-op
		}
		if !lo.Contains(legalFrom(v1.InstanceStatusTerminated), instance.Status) {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusTerminated}
		}
		if !providerConfirmed && instance.ProviderInstanceID != nil {
			return fmt.Errorf("refusing terminated transition for %s without provider-confirmed deletion", id)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				status = 'terminated',
				terminated_at = COALESCE(terminated_at, now()),
				deletion_reason = COALESCE($2, deletion_reason)
			WHERE id = $1`, id, reason)
		if err != nil {
			return fmt.Errorf("transitioning %s to terminated, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) TransitionToArchived(ctx context.Context, id string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if instance.Status == v1.InstanceStatusArchived {
			return nil
		}
		if !lo.Contains(legalFrom(v1.InstanceStatusArchived), instance.Status) {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusArchived}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE instances SET status = 'archived' WHERE id = $1`, id); err != nil {
			return fmt.Errorf("archiving %s, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) TransitionToZombieReady(ctx context.Context, id string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if instance.Status != v1.InstanceStatusTerminated && instance.Status != v1.InstanceStatusArchived {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusReady}
		}
		m.logger.Warn("reactivating zombie instance still running at provider",
			zap.String("instance_id", id),
			zap.Stringp("provider_instance_id", instance.ProviderInstanceID))
		_, err := tx.ExecContext(ctx, `
			UPDATE instances SET status = 'ready', last_reconciliation = now() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("reactivating zombie %s, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) TransitionToInstalling(ctx context.Context, id string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if !lo.Contains(legalFrom(v1.InstanceStatusInstalling), instance.Status) {
			return &IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusInstalling}
		}
		// Worker runtime fields are cleared so the prober treats the VM as a
		// fresh bringup and re-runs the bootstrap.
		_, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				status = 'installing',
				health_check_failures = 0,
				error_code = NULL,
				error_message = NULL,
				worker_status = NULL,
				worker_heartbeat_at = NULL,
				worker_model_id = NULL,
				worker_queue_depth = NULL,
				worker_gpu_utilization = NULL
			WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("transitioning %s to installing, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) RecordError(ctx context.Context, id, code, message string) error {
	return m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE instances SET error_code = $2, error_message = $3 WHERE id = $1`,
			id, code, message); err != nil {
			return fmt.Errorf("recording error on %s, %w", id, err)
		}
		return nil
	})
}

func (m *PostgresMachine) BumpHealthFailures(ctx context.Context, id string, n int) (int, error) {
	var count int
	err := m.withLockedInstance(ctx, id, func(tx *sqlx.Tx, instance *v1.Instance) error {
		if err := tx.GetContext(ctx, &count, `
			UPDATE instances SET health_check_failures = health_check_failures + $2
			WHERE id = $1
			RETURNING health_check_failures`, id, n); err != nil {
			return fmt.Errorf("bumping health failures on %s, %w", id, err)
		}
		if count >= HealthFailureThreshold && instance.Status.IsBootingPhase() {
			_, err := tx.ExecContext(ctx, `
				UPDATE instances SET
					status = 'startup_failed',
					error_code = $2,
					error_message = $3,
					failed_at = now()
				WHERE id = $1`, id, fleeterrors.CodeHealthCheckFailed,
				fmt.Sprintf("health check failed %d consecutive times", count))
			if err != nil {
				return fmt.Errorf("failing %s after %d health failures, %w", id, count, err)
			}
		}
		return nil
	})
	return count, err
}
