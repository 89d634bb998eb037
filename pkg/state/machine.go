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
	"errors"
	"fmt"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
)

// HealthFailureThreshold is the consecutive probe failure count at which the
// machine trips a booting instance to startup_failed.
const HealthFailureThreshold = 30

// Machine owns every mutation of instance status, error fields and lifecycle
// timestamps. Transitions are serialized per row by database locking.
type Machine interface {
	// TransitionToBooting moves provisioning -> booting and records the
	// provider handle and address. A no-op when the instance is already
	// terminating or terminated (commands can race under network failure).
	TransitionToBooting(ctx context.Context, id, providerInstanceID string, address *string) error
	// TransitionToReady moves a booting-phase instance to ready.
	TransitionToReady(ctx context.Context, id, note string) error
	// TransitionToStartupFailed fails a booting-phase instance, setting
	// failed_at and clearing readiness counters.
	TransitionToStartupFailed(ctx context.Context, id, code, message string) error
	// TransitionToProvisioningFailed fails an instance that never booted.
	TransitionToProvisioningFailed(ctx context.Context, id, code, message string) error
	// TransitionToTerminating is legal from any non-terminal state and nulls
	// last_reconciliation to force the next reconciliation pass.
	TransitionToTerminating(ctx context.Context, id string) error
	// TransitionToTerminated requires either provider-confirmed deletion or
	// the absence of any provider resource. terminated_at is set exactly
	// once, on first entry.
	TransitionToTerminated(ctx context.Context, id string, reason *string, providerConfirmed bool) error
	// TransitionToArchived is only reachable from terminated.
	TransitionToArchived(ctx context.Context, id string) error
	// TransitionToZombieReady reactivates a terminated row the provider
	// still reports as running (operator-visible anomaly).
	TransitionToZombieReady(ctx context.Context, id string) error
	// TransitionToInstalling sends a ready or booting-phase instance back
	// through bringup (reinstall), clearing worker runtime fields and the
	// failure counter so the prober re-runs the bootstrap.
	TransitionToInstalling(ctx context.Context, id string) error
	// RecordError writes error_code/error_message without a status change.
	// Used when a failure leaves the instance on a non-terminal path, e.g.
	// start failure followed by accepted cleanup.
	RecordError(ctx context.Context, id, code, message string) error
	// BumpHealthFailures adds n to the failure counter and returns the new
	// value. At HealthFailureThreshold the machine transitions the instance
	// to startup_failed(HEALTH_CHECK_FAILED).
	BumpHealthFailures(ctx context.Context, id string, n int) (int, error)
}

// IllegalTransitionError rejects a transition the lifecycle does not allow.
type IllegalTransitionError struct {
	InstanceID string
	From       v1.InstanceStatus
	To         v1.InstanceStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for instance %s", e.From, e.To, e.InstanceID)
}

func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}

// NotFoundError reports a missing instance row.
type NotFoundError struct {
	InstanceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found", e.InstanceID)
}

func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// legalFrom returns the set of statuses a target may be entered from.
func legalFrom(to v1.InstanceStatus) []v1.InstanceStatus {
	switch to {
	case v1.InstanceStatusBooting:
		return []v1.InstanceStatus{v1.InstanceStatusProvisioning}
	case v1.InstanceStatusReady:
		return []v1.InstanceStatus{v1.InstanceStatusBooting, v1.InstanceStatusInstalling, v1.InstanceStatusStarting}
	case v1.InstanceStatusStartupFailed:
		return []v1.InstanceStatus{v1.InstanceStatusBooting, v1.InstanceStatusInstalling, v1.InstanceStatusStarting}
	case v1.InstanceStatusProvisioningFailed:
		return []v1.InstanceStatus{v1.InstanceStatusProvisioning}
	case v1.InstanceStatusTerminated:
		return []v1.InstanceStatus{v1.InstanceStatusTerminating}
	case v1.InstanceStatusArchived:
		return []v1.InstanceStatus{v1.InstanceStatusTerminated}
	case v1.InstanceStatusInstalling:
		return []v1.InstanceStatus{v1.InstanceStatusReady, v1.InstanceStatusBooting, v1.InstanceStatusInstalling, v1.InstanceStatusStarting}
	default:
		return nil
	}
}
