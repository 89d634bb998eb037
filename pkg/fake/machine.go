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

package fake

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/state"
)

// Machine is an in-memory state.Machine mutating the rows of an
// InstanceStore fake. It mirrors the transition legality rules of the
// Postgres implementation without the locking.
type Machine struct {
	store *InstanceStore

	Now func() time.Time
}

func NewMachine(store *InstanceStore) *Machine {
	return &Machine{store: store}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) transition(id string, to v1.InstanceStatus, allowedFrom []v1.InstanceStatus, mutate func(*v1.Instance)) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	instance, ok := m.store.rows[id]
	if !ok {
		return &state.NotFoundError{InstanceID: id}
	}
	if !lo.Contains(allowedFrom, instance.Status) {
		return &state.IllegalTransitionError{InstanceID: id, From: instance.Status, To: to}
	}
	instance.Status = to
	if mutate != nil {
		mutate(instance)
	}
	return nil
}

func (m *Machine) TransitionToBooting(_ context.Context, id, providerInstanceID string, address *string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	instance, ok := m.store.rows[id]
	if !ok {
		return &state.NotFoundError{InstanceID: id}
	}
	switch instance.Status {
	case v1.InstanceStatusTerminating, v1.InstanceStatusTerminated, v1.InstanceStatusArchived:
		return nil
	case v1.InstanceStatusProvisioning:
	default:
		return &state.IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusBooting}
	}
	now := m.now()
	instance.Status = v1.InstanceStatusBooting
	if instance.ProviderInstanceID == nil {
		instance.ProviderInstanceID = &providerInstanceID
	}
	if address != nil {
		instance.PublicAddress = address
	}
	instance.BootStartedAt = &now
	return nil
}

func (m *Machine) TransitionToReady(_ context.Context, id, _ string) error {
	now := m.now()
	return m.transition(id, v1.InstanceStatusReady,
		[]v1.InstanceStatus{v1.InstanceStatusBooting, v1.InstanceStatusInstalling, v1.InstanceStatusStarting},
		func(instance *v1.Instance) {
			instance.ErrorCode = nil
			instance.ErrorMessage = nil
			instance.HealthCheckFailures = 0
			instance.LastHealthCheck = &now
		})
}

func (m *Machine) TransitionToStartupFailed(_ context.Context, id, code, message string) error {
	now := m.now()
	return m.transition(id, v1.InstanceStatusStartupFailed,
		[]v1.InstanceStatus{v1.InstanceStatusBooting, v1.InstanceStatusInstalling, v1.InstanceStatusStarting},
		func(instance *v1.Instance) {
			instance.ErrorCode = &code
			instance.ErrorMessage = &message
			instance.FailedAt = &now
		})
}

func (m *Machine) TransitionToProvisioningFailed(_ context.Context, id, code, message string) error {
	now := m.now()
	return m.transition(id, v1.InstanceStatusProvisioningFailed,
		[]v1.InstanceStatus{v1.InstanceStatusProvisioning},
		func(instance *v1.Instance) {
			instance.ErrorCode = &code
			instance.ErrorMessage = &message
			instance.FailedAt = &now
		})
}

func (m *Machine) TransitionToTerminating(_ context.Context, id string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	instance, ok := m.store.rows[id]
	if !ok {
		return &state.NotFoundError{InstanceID: id}
	}
	if instance.Status == v1.InstanceStatusTerminating {
		return nil
	}
	if instance.Status == v1.InstanceStatusTerminated || instance.Status == v1.InstanceStatusArchived {
		return &state.IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusTerminating}
	}
	instance.Status = v1.InstanceStatusTerminating
	instance.LastReconciliation = nil
	return nil
}

func (m *Machine) TransitionToTerminated(_ context.Context, id string, reason *string, providerConfirmed bool) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	instance, ok := m.store.rows[id]
	if !ok {
		return &state.NotFoundError{InstanceID: id}
	}
	if instance.Status == v1.InstanceStatusTerminated {
		return nil
	}
	if instance.Status != v1.InstanceStatusTerminating {
		return &state.IllegalTransitionError{InstanceID: id, From: instance.Status, To: v1.InstanceStatusTerminated}
	}
	if !providerConfirmed && instance.ProviderInstanceID != nil {
		return fmt.Errorf("refusing terminated transition for %s without provider-confirmed deletion", id)
	}
	now := m.now()
	instance.Status = v1.InstanceStatusTerminated
	if instance.TerminatedAt == nil {
		instance.TerminatedAt = &now
	}
	if reason != nil {
		instance.DeletionReason = reason
	}
	return nil
}

func (m *Machine) TransitionToArchived(_ context.Context, id string) error {
	return m.transition(id, v1.InstanceStatusArchived,
		[]v1.InstanceStatus{v1.InstanceStatusTerminated, v1.InstanceStatusArchived}, nil)
}

func (m *Machine) TransitionToZombieReady(_ context.Context, id string) error {
	now := m.now()
	return m.transition(id, v1.InstanceStatusReady,
		[]v1.InstanceStatus{v1.InstanceStatusTerminated, v1.InstanceStatusArchived},
		func(instance *v1.Instance) {
			instance.LastReconciliation = &now
		})
}

func (m *Machine) TransitionToInstalling(_ context.Context, id string) error {
	return m.transition(id, v1.InstanceStatusInstalling,
		[]v1.InstanceStatus{v1.InstanceStatusReady, v1.InstanceStatusBooting, v1.InstanceStatusInstalling, v1.InstanceStatusStarting},
		func(instance *v1.Instance) {
			instance.HealthCheckFailures = 0
			instance.ErrorCode = nil
			instance.ErrorMessage = nil
			instance.WorkerStatus = nil
			instance.WorkerHeartbeatAt = nil
			instance.WorkerModelID = nil
			instance.WorkerQueueDepth = nil
			instance.WorkerGPUUtilization = nil
		})
}

func (m *Machine) RecordError(_ context.Context, id, code, message string) error {
	return m.store.update(id, func(instance *v1.Instance) {
		instance.ErrorCode = &code
		instance.ErrorMessage = &message
	})
}

func (m *Machine) BumpHealthFailures(_ context.Context, id string, n int) (int, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	instance, ok := m.store.rows[id]
	if !ok {
		return 0, &state.NotFoundError{InstanceID: id}
	}
	instance.HealthCheckFailures += n
	count := instance.HealthCheckFailures
	if count >= state.HealthFailureThreshold && instance.Status.IsBootingPhase() {
		now := m.now()
		code := fleeterrors.CodeHealthCheckFailed
		message := fmt.Sprintf("health check failed %d consecutive times", count)
		instance.Status = v1.InstanceStatusStartupFailed
		instance.ErrorCode = &code
		instance.ErrorMessage = &message
		instance.FailedAt = &now
	}
	return count, nil
}
