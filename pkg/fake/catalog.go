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

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
)

// Catalog is a map-backed catalog.Catalog seeded by tests.
type Catalog struct {
	mu            sync.Mutex
	providers     map[string]*v1.Provider
	zones         map[string]*v1.Zone
	instanceTypes map[string]*v1.InstanceType
	models        map[string]*v1.Model
	availability  map[string]bool // instanceTypeID/zoneID
}

func NewCatalog() *Catalog {
	return &Catalog{
		providers:     map[string]*v1.Provider{},
		zones:         map[string]*v1.Zone{},
		instanceTypes: map[string]*v1.InstanceType{},
		models:        map[string]*v1.Model{},
		availability:  map[string]bool{},
	}
}

func (c *Catalog) AddProvider(provider *v1.Provider) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[provider.ID] = provider
	return c
}

func (c *Catalog) AddZone(zone *v1.Zone) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zones[zone.ID] = zone
	return c
}

// AddInstanceType registers the type and marks it available in the given
// zones.
func (c *Catalog) AddInstanceType(instanceType *v1.InstanceType, zoneIDs ...string) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instanceTypes[instanceType.ID] = instanceType
	for _, zoneID := range zoneIDs {
		c.availability[instanceType.ID+"/"+zoneID] = true
	}
	return c
}

func (c *Catalog) AddModel(model *v1.Model) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[model.ID] = model
	return c
}

func notFound(kind, ref string) error {
	return fleeterrors.NewNotFound(fmt.Sprintf("%s %s not found", kind, ref))
}

func (c *Catalog) Provider(_ context.Context, id string) (*v1.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if provider, ok := c.providers[id]; ok {
		return provider, nil
	}
	return nil, notFound("provider", id)
}

func (c *Catalog) ProviderByCode(_ context.Context, code string) (*v1.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, provider := range c.providers {
		if provider.Code == code {
			return provider, nil
		}
	}
	return nil, notFound("provider", code)
}

func (c *Catalog) Zone(_ context.Context, id string) (*v1.Zone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if zone, ok := c.zones[id]; ok {
		return zone, nil
	}
	return nil, notFound("zone", id)
}

func (c *Catalog) ZoneByProviderAndCode(_ context.Context, providerID, code string) (*v1.Zone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, zone := range c.zones {
		if zone.ProviderID == providerID && zone.Code == code {
			return zone, nil
		}
	}
	return nil, notFound("zone", code)
}

func (c *Catalog) InstanceType(_ context.Context, id string) (*v1.InstanceType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if instanceType, ok := c.instanceTypes[id]; ok {
		return instanceType, nil
	}
	return nil, notFound("instance type", id)
}

func (c *Catalog) InstanceTypeByCode(_ context.Context, providerID, code string) (*v1.InstanceType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, instanceType := range c.instanceTypes {
		if instanceType.ProviderID == providerID && instanceType.Code == code {
			return instanceType, nil
		}
	}
	return nil, notFound("instance type", code)
}

func (c *Catalog) InstanceTypeAvailable(_ context.Context, instanceTypeID, zoneID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availability[instanceTypeID+"/"+zoneID], nil
}

func (c *Catalog) Model(_ context.Context, id string) (*v1.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if model, ok := c.models[id]; ok {
		return model, nil
	}
	return nil, notFound("model", id)
}

func (c *Catalog) ModelByName(_ context.Context, name string) (*v1.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, model := range c.models {
		if model.ModelID == name {
			return model, nil
		}
	}
	return nil, notFound("model", name)
}

func (c *Catalog) DefaultModel(_ context.Context) (*v1.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, model := range c.models {
		if model.IsActive {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, notFound("model", "default")
	}
	sort.Strings(ids)
	return c.models[ids[0]], nil
}

func (c *Catalog) ActiveZones(_ context.Context) ([]*v1.Zone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zones []*v1.Zone
	for _, zone := range c.zones {
		if zone.IsActive {
			zones = append(zones, zone)
		}
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].Code < zones[j].Code })
	return zones, nil
}
