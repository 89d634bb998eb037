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

// Package fake provides in-memory implementations of the stores, the state
// machine, the action-log recorder and the bus publishers for tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/state"
)

// InstanceStore is a map-backed state.InstanceStore. Rows are deep-copied on
// the way in and out so tests never share memory with the store.
type InstanceStore struct {
	mu   sync.Mutex
	rows map[string]*v1.Instance

	// Now supplies the reference time for ListRoutable; defaults to
	// time.Now when nil.
	Now func() time.Time
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{rows: map[string]*v1.Instance{}}
}

func (s *InstanceStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func copyInstance(instance *v1.Instance) *v1.Instance {
	clone := *instance
	return &clone
}

func (s *InstanceStore) Get(_ context.Context, id string) (*v1.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.rows[id]
	if !ok {
		return nil, &state.NotFoundError{InstanceID: id}
	}
	return copyInstance(instance), nil
}

func (s *InstanceStore) GetByProviderInstanceID(_ context.Context, providerInstanceID string) (*v1.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, instance := range s.rows {
		if instance.ProviderInstanceID != nil && *instance.ProviderInstanceID == providerInstanceID {
			return copyInstance(instance), nil
		}
	}
	return nil, &state.NotFoundError{InstanceID: providerInstanceID}
}

func (s *InstanceStore) Insert(_ context.Context, instance *v1.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[instance.ID]; exists {
		return fmt.Errorf("instance %s already exists", instance.ID)
	}
	s.rows[instance.ID] = copyInstance(instance)
	return nil
}

func (s *InstanceStore) ListByStatus(_ context.Context, statuses ...v1.InstanceStatus) ([]*v1.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Instance
	for _, instance := range s.rows {
		if lo.Contains(statuses, instance.Status) {
			out = append(out, copyInstance(instance))
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *InstanceStore) ListRoutable(_ context.Context, modelID string, horizon time.Duration) ([]*v1.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-horizon)
	var out []*v1.Instance
	for _, instance := range s.rows {
		if instance.Status != v1.InstanceStatusReady || instance.ModelID != modelID {
			continue
		}
		if instance.PublicAddress == nil || *instance.PublicAddress == "" {
			continue
		}
		if instance.WorkerStatus != nil && *instance.WorkerStatus != v1.WorkerStatusReady {
			continue
		}
		if !instance.Freshness().After(cutoff) {
			continue
		}
		out = append(out, copyInstance(instance))
	}
	sortByCreation(out)
	return out, nil
}

func (s *InstanceStore) SetProviderInstanceID(_ context.Context, id, providerInstanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.rows[id]
	if !ok {
		return &state.NotFoundError{InstanceID: id}
	}
	if instance.ProviderInstanceID != nil && *instance.ProviderInstanceID != providerInstanceID {
		return fmt.Errorf("instance %s already has a different provider_instance_id", id)
	}
	instance.ProviderInstanceID = &providerInstanceID
	return nil
}

func (s *InstanceStore) SetPublicAddress(_ context.Context, id string, address *string) error {
	return s.update(id, func(instance *v1.Instance) {
		instance.PublicAddress = address
	})
}

func (s *InstanceStore) UpdateWorkerRuntime(_ context.Context, id string, update state.WorkerRuntimeUpdate) error {
	return s.update(id, func(instance *v1.Instance) {
		if update.Status != nil {
			instance.WorkerStatus = update.Status
		}
		if update.HeartbeatAt != nil {
			instance.WorkerHeartbeatAt = update.HeartbeatAt
		}
		if update.ModelID != nil {
			instance.WorkerModelID = update.ModelID
		}
		if update.QueueDepth != nil {
			instance.WorkerQueueDepth = update.QueueDepth
		}
		if update.GPUUtilization != nil {
			instance.WorkerGPUUtilization = update.GPUUtilization
		}
		if update.HealthPort != nil {
			instance.WorkerHealthPort = update.HealthPort
		}
		if update.EnginePort != nil {
			instance.WorkerEnginePort = update.EnginePort
		}
		if update.Metadata != nil {
			instance.WorkerMetadata = update.Metadata
		}
	})
}

func (s *InstanceStore) TouchHealthCheck(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(instance *v1.Instance) {
		instance.LastHealthCheck = &at
	})
}

func (s *InstanceStore) TouchReconciliation(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(instance *v1.Instance) {
		instance.LastReconciliation = &at
	})
}

func (s *InstanceStore) ClaimTerminatingStuck(_ context.Context, cutoff time.Time, limit int) ([]*v1.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*v1.Instance
	for _, instance := range s.rows {
		if instance.Status != v1.InstanceStatusTerminating {
			continue
		}
		if instance.LastReconciliation != nil && !instance.LastReconciliation.Before(cutoff) {
			continue
		}
		instance.LastReconciliation = &now
		out = append(out, copyInstance(instance))
		if len(out) == limit {
			break
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *InstanceStore) update(id string, mutate func(*v1.Instance)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.rows[id]
	if !ok {
		return &state.NotFoundError{InstanceID: id}
	}
	mutate(instance)
	return nil
}

func sortByCreation(instances []*v1.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}
