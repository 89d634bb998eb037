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

import "time"

type VolumeStatus string

const (
	VolumeStatusCreating VolumeStatus = "creating"
	VolumeStatusAttached VolumeStatus = "attached"
	VolumeStatusDetached VolumeStatus = "detached"
	VolumeStatusDeleted  VolumeStatus = "deleted"
	VolumeStatusFailed   VolumeStatus = "failed"
)

// Volume is per-instance block storage. Rows are never removed: a deleted
// volume keeps its row for audit and cost attribution, and only ReconciledAt
// marks the row as closed (provider confirmed the volume is gone).
type Volume struct {
	ID                 string       `db:"id"`
	InstanceID         string       `db:"instance_id"`
	ProviderVolumeID   string       `db:"provider_volume_id"`
	ZoneID             string       `db:"zone_id"`
	VolumeType         string       `db:"volume_type"`
	SizeBytes          int64        `db:"size_bytes"`
	IsBoot             bool         `db:"is_boot"`
	Status             VolumeStatus `db:"status"`
	DeleteOnTerminate  bool         `db:"delete_on_terminate"`
	CreatedAt          time.Time    `db:"created_at"`
	AttachedAt         *time.Time   `db:"attached_at"`
	DeletedAt          *time.Time   `db:"deleted_at"`
	ReconciledAt       *time.Time   `db:"reconciled_at"`
	LastReconciliation *time.Time   `db:"last_reconciliation"`
	ErrorMessage       *string      `db:"error_message"`
}
