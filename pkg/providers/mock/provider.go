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

// Package mock implements a local-only cloud adapter shaped like a
// container-compose runtime: every "server" is an entry in an in-memory
// project, addresses are loopback, and lifecycle actions are instant. It
// backs integration tests and the local development loop.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/providers"
)

const (
	LocalZone = "local"

	stateRunning    = "running"
	stateStopped    = "stopped"
	stateTerminated = "terminated"
)

type service struct {
	id           string
	name         string
	state        string
	address      string
	instanceType string
	volumes      []string
	createdAt    time.Time
}

// Provider is the in-process mock adapter. Behavior toggles (NextCreateErr
// etc.) let tests inject provider failures the way the real API would fail.
type Provider struct {
	mu       sync.Mutex
	services map[string]*service
	volumes  map[string]bool // id -> deleted

	// Failure injection for tests. Consumed once when set.
	NextCreateErr error
	NextStartErr  error
	StartErrs     []error // drained one per StartInstance call when non-empty

	CreateCalls    int
	TerminateCalls int
}

func NewProvider() *Provider {
	return &Provider{
		services: map[string]*service{},
		volumes:  map[string]bool{},
	}
}

func (p *Provider) Code() string { return providers.MockProviderCode }

// Reset clears all state between tests.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = map[string]*service{}
	p.volumes = map[string]bool{}
	p.NextCreateErr, p.NextStartErr, p.StartErrs = nil, nil, nil
	p.CreateCalls, p.TerminateCalls = 0, 0
}

func (p *Provider) CreateInstance(_ context.Context, req providers.CreateInstanceRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCalls++
	if p.NextCreateErr != nil {
		err := p.NextCreateErr
		p.NextCreateErr = nil
		return "", err
	}
	svc := &service{
		id:           "mock-" + uuid.NewString(),
		name:         req.Name,
		state:        stateStopped,
		address:      "127.0.0.1",
		instanceType: req.InstanceType,
		volumes:      append([]string{}, req.PreAttachedVolumes...),
		createdAt:    time.Now(),
	}
	p.services[svc.id] = svc
	return svc.id, nil
}

func (p *Provider) StartInstance(_ context.Context, _, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StartErrs) > 0 {
		err := p.StartErrs[0]
		p.StartErrs = p.StartErrs[1:]
		if err != nil {
			return err
		}
	} else if p.NextStartErr != nil {
		err := p.NextStartErr
		p.NextStartErr = nil
		return err
	}
	svc, ok := p.services[id]
	if !ok || svc.state == stateTerminated {
		return errors.NewNotFound(fmt.Sprintf("mock service %s not found", id))
	}
	svc.state = stateRunning
	return nil
}

func (p *Provider) GetInstanceIP(_ context.Context, _, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.services[id]
	if !ok || svc.state == stateTerminated {
		return "", errors.NewNotFound(fmt.Sprintf("mock service %s not found", id))
	}
	return svc.address, nil
}

func (p *Provider) SetCloudInit(_ context.Context, _, id, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.services[id]; !ok {
		return errors.NewNotFound(fmt.Sprintf("mock service %s not found", id))
	}
	return nil
}

func (p *Provider) EnsureInboundTCPPorts(_ context.Context, _, _ string, _ []int) error {
	return nil // loopback; nothing to open
}

func (p *Provider) TerminateInstance(_ context.Context, _, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TerminateCalls++
	svc, ok := p.services[id]
	if !ok {
		return nil
	}
	svc.state = stateTerminated
	delete(p.services, id)
	return nil
}

func (p *Provider) CheckInstanceExists(_ context.Context, _, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.services[id]
	return ok, nil
}

func (p *Provider) CreateVolume(_ context.Context, _ providers.CreateVolumeRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "mockvol-" + uuid.NewString()
	p.volumes[id] = false
	return id, nil
}

func (p *Provider) AttachVolume(_ context.Context, _, serverID, volumeID string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.services[serverID]
	if !ok {
		return errors.NewNotFound(fmt.Sprintf("mock service %s not found", serverID))
	}
	svc.volumes = append(svc.volumes, volumeID)
	return nil
}

func (p *Provider) DeleteVolume(_ context.Context, _, volumeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[volumeID] = true
	return nil
}

// VolumeExists reports whether a volume is known and not deleted; used by
// reconciliation tests.
func (p *Provider) VolumeExists(volumeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	deleted, ok := p.volumes[volumeID]
	return ok && !deleted
}

func (p *Provider) ResolveBootImage(_ context.Context, _, _ string) (string, error) {
	return "mock-image", nil
}

func (p *Provider) ListInstances(_ context.Context, _ string) ([]providers.InstanceSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.MapToSlice(p.services, func(_ string, svc *service) providers.InstanceSummary {
		return providers.InstanceSummary{
			ProviderID:   svc.id,
			Name:         svc.name,
			Status:       svc.state,
			Address:      svc.address,
			InstanceType: svc.instanceType,
			CreatedAt:    svc.createdAt,
		}
	}), nil
}

// InjectInstance registers a running service the control plane never created;
// exercises orphan import.
func (p *Provider) InjectInstance(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc := &service{
		id:           "mock-" + uuid.NewString(),
		name:         name,
		state:        stateRunning,
		address:      "127.0.0.1",
		instanceType: "mock-local-instance",
		createdAt:    time.Now(),
	}
	p.services[svc.id] = svc
	return svc.id
}

func (p *Provider) FetchCatalog(_ context.Context, _ string) ([]providers.CatalogEntry, error) {
	return []providers.CatalogEntry{{
		Code:         "mock-local-instance",
		Name:         "Mock local instance",
		CostPerHour:  0,
		CPUCount:     2,
		RAMGB:        4,
		GPUCount:     1,
		VRAMPerGPUGB: 24,
	}}, nil
}
