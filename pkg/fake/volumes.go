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
	"sort"
	"sync"
	"time"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
)

// VolumeStore is a map-backed state.VolumeStore.
type VolumeStore struct {
	mu   sync.Mutex
	rows map[string]*v1.Volume

	Now func() time.Time
}

func NewVolumeStore() *VolumeStore {
	return &VolumeStore{rows: map[string]*v1.Volume{}}
}

func (s *VolumeStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func copyVolume(volume *v1.Volume) *v1.Volume {
	clone := *volume
	return &clone
}

func (s *VolumeStore) Insert(_ context.Context, volume *v1.Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[volume.ID]; exists {
		return fmt.Errorf("volume %s already exists", volume.ID)
	}
	s.rows[volume.ID] = copyVolume(volume)
	return nil
}

func (s *VolumeStore) ListByInstance(_ context.Context, instanceID string) ([]*v1.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Volume
	for _, volume := range s.rows {
		if volume.InstanceID == instanceID {
			out = append(out, copyVolume(volume))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *VolumeStore) MarkAttached(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(volume *v1.Volume) {
		volume.Status = v1.VolumeStatusAttached
		volume.AttachedAt = &at
	})
}

func (s *VolumeStore) MarkDeleted(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(volume *v1.Volume) {
		volume.Status = v1.VolumeStatusDeleted
		if volume.DeletedAt == nil {
			volume.DeletedAt = &at
		}
	})
}

func (s *VolumeStore) MarkReconciled(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(volume *v1.Volume) {
		volume.ReconciledAt = &at
		volume.LastReconciliation = &at
	})
}

func (s *VolumeStore) MarkFailed(_ context.Context, id string, message string) error {
	return s.update(id, func(volume *v1.Volume) {
		volume.Status = v1.VolumeStatusFailed
		volume.ErrorMessage = &message
	})
}

func (s *VolumeStore) TouchReconciliation(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(volume *v1.Volume) {
		volume.LastReconciliation = &at
	})
}

func (s *VolumeStore) ClaimUnreconciled(_ context.Context, cutoff time.Time, limit int) ([]*v1.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*v1.Volume
	for _, volume := range s.rows {
		retriable := volume.Status == v1.VolumeStatusDeleted ||
			(volume.Status == v1.VolumeStatusFailed && volume.DeleteOnTerminate)
		if !retriable || volume.ReconciledAt != nil {
			continue
		}
		if volume.LastReconciliation != nil && !volume.LastReconciliation.Before(cutoff) {
			continue
		}
		volume.LastReconciliation = &now
		out = append(out, copyVolume(volume))
		if len(out) == limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *VolumeStore) update(id string, mutate func(*v1.Volume)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	volume, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("volume %s not found", id)
	}
	mutate(volume)
	return nil
}
