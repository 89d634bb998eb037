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

package v1

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// InstanceStatus is the authoritative lifecycle state of an instance. All
// writes to it go through the state machine in pkg/state.
type InstanceStatus string

const (
	InstanceStatusProvisioning       InstanceStatus = "provisioning"
	InstanceStatusBooting            InstanceStatus = "booting"
	InstanceStatusInstalling         InstanceStatus = "installing"
	InstanceStatusStarting           InstanceStatus = "starting"
	InstanceStatusReady              InstanceStatus = "ready"
	InstanceStatusTerminating        InstanceStatus = "terminating"
	InstanceStatusTerminated         InstanceStatus = "terminated"
	InstanceStatusArchived           InstanceStatus = "archived"
	InstanceStatusProvisioningFailed InstanceStatus = "provisioning_failed"
	InstanceStatusStartupFailed      InstanceStatus = "startup_failed"
	InstanceStatusFailed             InstanceStatus = "failed"
)

// IsTerminal returns true for states that no lifecycle transition may leave,
// with the single exception of terminated -> archived.
func (s InstanceStatus) IsTerminal() bool {
	return lo.Contains([]InstanceStatus{
		InstanceStatusTerminated,
		InstanceStatusArchived,
		InstanceStatusProvisioningFailed,
		InstanceStatusStartupFailed,
		InstanceStatusFailed,
	}, s)
}

// IsBootingPhase returns true for the VM bringup sub-phases that the health
// prober owns. installing and starting are sub-phases of booting.
func (s InstanceStatus) IsBootingPhase() bool {
	return s == InstanceStatusBooting || s == InstanceStatusInstalling || s == InstanceStatusStarting
}

// WorkerStatus values reported by the on-VM agent through heartbeats.
const (
	WorkerStatusReady = "ready"
)

// Instance is the central aggregate: one row per VM the control plane has
// ever requested, imported, or terminated.
type Instance struct {
	ID                 string         `db:"id"`
	ProviderID         string         `db:"provider_id"`
	ZoneID             string         `db:"zone_id"`
	InstanceTypeID     string         `db:"instance_type_id"`
	ModelID            string         `db:"model_id"`
	Status             InstanceStatus `db:"status"`
	ProviderInstanceID *string        `db:"provider_instance_id"`
	PublicAddress      *string        `db:"public_address"`
	ErrorCode          *string        `db:"error_code"`
	ErrorMessage       *string        `db:"error_message"`
	DeletionReason     *string        `db:"deletion_reason"`

	CreatedAt          time.Time  `db:"created_at"`
	BootStartedAt      *time.Time `db:"boot_started_at"`
	TerminatedAt       *time.Time `db:"terminated_at"`
	FailedAt           *time.Time `db:"failed_at"`
	LastHealthCheck    *time.Time `db:"last_health_check"`
	LastReconciliation *time.Time `db:"last_reconciliation"`

	HealthCheckFailures int `db:"health_check_failures"`

	// Worker runtime fields, written by heartbeat ingest and the prober.
	WorkerStatus         *string    `db:"worker_status"`
	WorkerHeartbeatAt    *time.Time `db:"worker_heartbeat_at"`
	WorkerModelID        *string    `db:"worker_model_id"`
	WorkerQueueDepth     *int       `db:"worker_queue_depth"`
	WorkerGPUUtilization *float64   `db:"worker_gpu_utilization"`
	WorkerHealthPort     *int       `db:"worker_health_port"`
	WorkerEnginePort     *int       `db:"worker_engine_port"`
	WorkerMetadata       []byte     `db:"worker_metadata"`
}

// Freshness returns the newest of the instance's liveness signals. The
// routing index compares it against the staleness horizon.
func (i *Instance) Freshness() time.Time {
	var newest time.Time
	for _, ts := range []*time.Time{i.WorkerHeartbeatAt, i.LastHealthCheck, i.LastReconciliation} {
		if ts != nil && ts.After(newest) {
			newest = *ts
		}
	}
	return newest
}

// BaseURL returns the engine endpoint for a routable instance, or "" when no
// public address is known yet.
func (i *Instance) BaseURL() string {
	if i.PublicAddress == nil || *i.PublicAddress == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", *i.PublicAddress, lo.FromPtrOr(i.WorkerEnginePort, DefaultEnginePort))
}

// HealthURL returns the agent readyz endpoint, or "" when no public address
// is known yet.
func (i *Instance) HealthURL() string {
	if i.PublicAddress == nil || *i.PublicAddress == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", *i.PublicAddress, lo.FromPtrOr(i.WorkerHealthPort, DefaultHealthPort))
}

const (
	DefaultEnginePort = 8000
	DefaultHealthPort = 8080
)
