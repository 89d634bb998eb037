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

package actionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresRecorder implements Recorder over the action_log table.
type PostgresRecorder struct {
	db *sqlx.DB
}

func NewPostgresRecorder(db *sqlx.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) LogStart(ctx context.Context, start Start) (string, error) {
	id := uuid.NewString()
	var request []byte
	if start.Request != nil {
		var err error
		if request, err = json.Marshal(start.Request); err != nil {
			return "", fmt.Errorf("encoding action request payload, %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO action_log (id, action_type, component, status, user_id, correlation_id, instance_id, request, created_at)
		VALUES ($1, $2, $3, 'in_progress', $4, $5, $6, $7, now())`,
		id, start.ActionType, start.Component,
		nullable(start.UserID), nullable(start.CorrelationID), nullable(start.InstanceID), request)
	if err != nil {
		return "", fmt.Errorf("appending action log start for %s, %w", start.ActionType, err)
	}
	return id, nil
}

func (r *PostgresRecorder) LogComplete(ctx context.Context, id string, status Status, duration time.Duration, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE action_log SET status = $2, completed_at = now(), duration_ms = $3, error_message = $4
		WHERE id = $1 AND completed_at IS NULL`,
		id, status, duration.Milliseconds(), nullable(errMsg))
	if err != nil {
		return fmt.Errorf("completing action log entry %s, %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action log entry %s is already completed", id)
	}
	return nil
}

func (r *PostgresRecorder) LogCompleteWithMetadata(ctx context.Context, id string, status Status, duration time.Duration, errMsg string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding action metadata, %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE action_log SET
			status = $2,
			completed_at = now(),
			duration_ms = $3,
			error_message = $4,
			metadata = COALESCE(metadata, '{}'::jsonb) || $5::jsonb
		WHERE id = $1 AND completed_at IS NULL`,
		id, status, duration.Milliseconds(), nullable(errMsg), encoded)
	if err != nil {
		return fmt.Errorf("completing action log entry %s with metadata, %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action log entry %s is already completed", id)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
