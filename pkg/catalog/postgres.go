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

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
)

const (
	cacheTTL             = 5 * time.Minute
	cacheCleanupInterval = 10 * time.Minute
)

const zoneColumns = `id, region_id, provider_id, code, name, is_active`

// PostgresCatalog implements Catalog over the catalog tables with a small
// TTL cache in front; the catalog changes rarely and only via the API tier.
type PostgresCatalog struct {
	db    *sqlx.DB
	cache *cache.Cache
}

func NewPostgresCatalog(db *sqlx.DB) *PostgresCatalog {
	return &PostgresCatalog{
		db:    db,
		cache: cache.New(cacheTTL, cacheCleanupInterval),
	}
}

func (c *PostgresCatalog) Provider(ctx context.Context, id string) (*v1.Provider, error) {
	return cached(c, "provider/"+id, func() (*v1.Provider, error) {
		provider := &v1.Provider{}
		err := c.db.GetContext(ctx, provider,
			`SELECT id, code, name, is_active FROM providers WHERE id = $1`, id)
		return provider, catalogErr(err, "provider", id)
	})
}

func (c *PostgresCatalog) ProviderByCode(ctx context.Context, code string) (*v1.Provider, error) {
	return cached(c, "provider-code/"+code, func() (*v1.Provider, error) {
		provider := &v1.Provider{}
		err := c.db.GetContext(ctx, provider,
			`SELECT id, code, name, is_active FROM providers WHERE code = $1`, code)
		return provider, catalogErr(err, "provider", code)
	})
}

func (c *PostgresCatalog) Zone(ctx context.Context, id string) (*v1.Zone, error) {
	return cached(c, "zone/"+id, func() (*v1.Zone, error) {
		zone := &v1.Zone{}
		err := c.db.GetContext(ctx, zone,
			`SELECT `+zoneColumns+` FROM zones WHERE id = $1`, id)
		return zone, catalogErr(err, "zone", id)
	})
}

func (c *PostgresCatalog) ZoneByProviderAndCode(ctx context.Context, providerID, code string) (*v1.Zone, error) {
	return cached(c, "zone-code/"+providerID+"/"+code, func() (*v1.Zone, error) {
		zone := &v1.Zone{}
		err := c.db.GetContext(ctx, zone,
			`SELECT `+zoneColumns+` FROM zones WHERE provider_id = $1 AND code = $2`, providerID, code)
		return zone, catalogErr(err, "zone", code)
	})
}

func (c *PostgresCatalog) InstanceType(ctx context.Context, id string) (*v1.InstanceType, error) {
	return cached(c, "instance-type/"+id, func() (*v1.InstanceType, error) {
		instanceType := &v1.InstanceType{}
		err := c.db.GetContext(ctx, instanceType, `
			SELECT id, provider_id, code, name, gpu_count, vram_per_gpu_gb, cpu_count, ram_gb,
				cost_per_hour, allocation_params, boot_image_id, is_active
			FROM instance_types WHERE id = $1`, id)
		return instanceType, catalogErr(err, "instance type", id)
	})
}

func (c *PostgresCatalog) InstanceTypeByCode(ctx context.Context, providerID, code string) (*v1.InstanceType, error) {
	return cached(c, "instance-type-code/"+providerID+"/"+code, func() (*v1.InstanceType, error) {
		instanceType := &v1.InstanceType{}
		err := c.db.GetContext(ctx, instanceType, `
			SELECT id, provider_id, code, name, gpu_count, vram_per_gpu_gb, cpu_count, ram_gb,
				cost_per_hour, allocation_params, boot_image_id, is_active
			FROM instance_types WHERE provider_id = $1 AND code = $2`, providerID, code)
		return instanceType, catalogErr(err, "instance type", code)
	})
}

func (c *PostgresCatalog) InstanceTypeAvailable(ctx context.Context, instanceTypeID, zoneID string) (bool, error) {
	type available struct{ OK bool }
	result, err := cached(c, "availability/"+instanceTypeID+"/"+zoneID, func() (*available, error) {
		var ok bool
		err := c.db.GetContext(ctx, &ok, `
			SELECT EXISTS (
				SELECT 1 FROM instance_type_zones
				WHERE instance_type_id = $1 AND zone_id = $2 AND is_available
			)`, instanceTypeID, zoneID)
		if err != nil {
			return nil, fmt.Errorf("checking instance type availability, %w", err)
		}
		return &available{OK: ok}, nil
	})
	if err != nil {
		return false, err
	}
	return result.OK, nil
}

func (c *PostgresCatalog) Model(ctx context.Context, id string) (*v1.Model, error) {
	return cached(c, "model/"+id, func() (*v1.Model, error) {
		model := &v1.Model{}
		err := c.db.GetContext(ctx, model, `
			SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active
			FROM models WHERE id = $1`, id)
		return model, catalogErr(err, "model", id)
	})
}

func (c *PostgresCatalog) ModelByName(ctx context.Context, name string) (*v1.Model, error) {
	return cached(c, "model-name/"+name, func() (*v1.Model, error) {
		model := &v1.Model{}
		err := c.db.GetContext(ctx, model, `
			SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active
			FROM models WHERE model_id = $1`, name)
		return model, catalogErr(err, "model", name)
	})
}

// DefaultModel is the routing fallback when a request names no model: the
// oldest active catalog entry.
func (c *PostgresCatalog) DefaultModel(ctx context.Context) (*v1.Model, error) {
	return cached(c, "model-default", func() (*v1.Model, error) {
		model := &v1.Model{}
		err := c.db.GetContext(ctx, model, `
			SELECT id, model_id, required_vram_gb, context_length, data_volume_gb, is_active
			FROM models WHERE is_active ORDER BY created_at LIMIT 1`)
		return model, catalogErr(err, "model", "default")
	})
}

func (c *PostgresCatalog) ActiveZones(ctx context.Context) ([]*v1.Zone, error) {
	// Not cached: reconciliation sweeps read this once a minute and must see
	// zone deactivations promptly.
	var zones []*v1.Zone
	err := c.db.SelectContext(ctx, &zones, `
		SELECT z.id, z.region_id, z.provider_id, z.code, z.name, z.is_active FROM zones z
		JOIN regions r ON r.id = z.region_id
		JOIN providers p ON p.id = z.provider_id
		WHERE z.is_active AND r.is_active AND p.is_active
		ORDER BY z.code`)
	if err != nil {
		return nil, fmt.Errorf("listing active zones, %w", err)
	}
	return zones, nil
}

func cached[T any](c *PostgresCatalog, key string, load func() (*T, error)) (*T, error) {
	if hit, ok := c.cache.Get(key); ok {
		return hit.(*T), nil
	}
	value, err := load()
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, value)
	return value, nil
}

func catalogErr(err error, kind, ref string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fleeterrors.NewNotFound(fmt.Sprintf("%s %s not found", kind, ref))
	}
	return fmt.Errorf("resolving %s %s, %w", kind, ref, err)
}
