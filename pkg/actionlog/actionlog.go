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

// Package actionlog is the append-only, correlation-keyed audit of every
// long-running action. Every core worker logs a start entry and exactly one
// completion entry around each remote call; entries are never updated after
// completion, except for the structured metadata merged at completion time.
package actionlog

import (
	"context"
	"time"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Action types recorded by the core workers.
const (
	ActionRequestCreate     = "REQUEST_CREATE"
	ActionProviderCreate    = "PROVIDER_CREATE"
	ActionProviderStart     = "PROVIDER_START"
	ActionProviderGetIP     = "PROVIDER_GET_IP"
	ActionProviderTerminate = "PROVIDER_TERMINATE"
	ActionVolumeCreate      = "VOLUME_CREATE"
	ActionVolumeAttach      = "VOLUME_ATTACH"
	ActionVolumeDelete      = "VOLUME_DELETE"
	ActionOpenPorts         = "OPEN_PORTS"
	ActionBootImageResolve  = "BOOT_IMAGE_RESOLVE"
	ActionCatalogValidate   = "CATALOG_VALIDATE"
	ActionHealthCheck       = "HEALTH_CHECK"
	ActionWorkerModelLoaded = "WORKER_MODEL_LOADED"
	ActionWorkerWarmup      = "WORKER_WARMUP"
	ActionSSHBootstrap      = "SSH_BOOTSTRAP"
	ActionReconciliation    = "RECONCILIATION"
	ActionProxyForward      = "PROXY_FORWARD"
)

// Entry is one row of the action log.
type Entry struct {
	ID            string         `db:"id"`
	ActionType    string         `db:"action_type"`
	Component     string         `db:"component"`
	Status        Status         `db:"status"`
	UserID        *string        `db:"user_id"`
	CorrelationID *string        `db:"correlation_id"`
	InstanceID    *string        `db:"instance_id"`
	Request       []byte         `db:"request"`
	Response      []byte         `db:"response"`
	Metadata      []byte         `db:"metadata"`
	CreatedAt     time.Time      `db:"created_at"`
	CompletedAt   *time.Time     `db:"completed_at"`
	DurationMS    *int64         `db:"duration_ms"`
	ErrorMessage  *string        `db:"error_message"`
}

// Start describes a new in-progress entry.
type Start struct {
	ActionType    string
	Component     string
	InstanceID    string
	CorrelationID string
	UserID        string
	Request       map[string]any
}

// Recorder is the append-only log surface. Ownership is per entry: the
// component that starts an entry completes it.
type Recorder interface {
	// LogStart appends an in_progress entry and returns its id.
	LogStart(ctx context.Context, start Start) (string, error)
	// LogComplete finalizes an entry. Never called twice for the same id.
	LogComplete(ctx context.Context, id string, status Status, duration time.Duration, errMsg string) error
	// LogCompleteWithMetadata finalizes an entry and merges structured
	// metadata into it (jsonb || semantics).
	LogCompleteWithMetadata(ctx context.Context, id string, status Status, duration time.Duration, errMsg string, metadata map[string]any) error
}
