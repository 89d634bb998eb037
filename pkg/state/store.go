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
	"time"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
)

// InstanceStore reads and writes instance rows. Status and failure fields are
// off limits here; those mutations go through the Machine.
type InstanceStore interface {
	Get(ctx context.Context, id string) (*v1.Instance, error)
	GetByProviderInstanceID(ctx context.Context, providerInstanceID string) (*v1.Instance, error)
	Insert(ctx context.Context, instance *v1.Instance) error
	ListByStatus(ctx context.Context, statuses ...v1.InstanceStatus) ([]*v1.Instance, error)
	// ListRoutable returns ready instances serving the model whose freshness
	// signals are within the staleness horizon.
	ListRoutable(ctx context.Context, modelID string, horizon time.Duration) ([]*v1.Instance, error)
	// SetProviderInstanceID persists the provider handle. Set at most once;
	// a second call with a different value is rejected.
	SetProviderInstanceID(ctx context.Context, id, providerInstanceID string) error
	SetPublicAddress(ctx context.Context, id string, address *string) error
	UpdateWorkerRuntime(ctx context.Context, id string, update WorkerRuntimeUpdate) error
	TouchHealthCheck(ctx context.Context, id string, at time.Time) error
	TouchReconciliation(ctx context.Context, id string, at time.Time) error
	// ClaimTerminatingStuck claims terminating rows whose last_reconciliation
	// is null or older than the cutoff, with skip-locked semantics so
	// parallel sweeps never contend.
	ClaimTerminatingStuck(ctx context.Context, cutoff time.Time, limit int) ([]*v1.Instance, error)
}

// WorkerRuntimeUpdate carries the fields a heartbeat or a successful probe is
// allowed to write. Nil fields are left untouched.
type WorkerRuntimeUpdate struct {
	Status         *string
	HeartbeatAt    *time.Time
	ModelID        *string
	QueueDepth     *int
	GPUUtilization *float64
	HealthPort     *int
	EnginePort     *int
	Metadata       []byte
}

// VolumeStore tracks per-instance block storage. Rows are never removed.
type VolumeStore interface {
	Insert(ctx context.Context, volume *v1.Volume) error
	ListByInstance(ctx context.Context, instanceID string) ([]*v1.Volume, error)
	MarkAttached(ctx context.Context, id string, at time.Time) error
	MarkDeleted(ctx context.Context, id string, at time.Time) error
	MarkReconciled(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, message string) error
	TouchReconciliation(ctx context.Context, id string, at time.Time) error
	// ClaimUnreconciled claims volume rows whose provider-side absence has
	// not been confirmed yet, skip-locked: rows marked deleted, plus failed
	// deletions of delete-on-terminate volumes.
	ClaimUnreconciled(ctx context.Context, cutoff time.Time, limit int) ([]*v1.Volume, error)
}
