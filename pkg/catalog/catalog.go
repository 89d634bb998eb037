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

// Package catalog is the read-only view over providers, zones, instance
// types and models. CRUD on the catalog belongs to the API tier; the core
// only resolves and validates against it.
package catalog

import (
	"context"
	"fmt"
	"path"

	"github.com/samber/lo"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
)

// WorkerEligible reports whether an instance-type code matches the
// configured glob set (e.g. "L4-*", "L40S-*"). Only worker-eligible types
// receive the full engine bootstrap and the long startup deadline.
func WorkerEligible(code string, globs []string) bool {
	return lo.SomeBy(globs, func(glob string) bool {
		matched, err := path.Match(glob, code)
		return err == nil && matched
	})
}

// Catalog resolves catalog references. Implementations may cache; the
// catalog changes rarely and is read-only to the core.
type Catalog interface {
	Provider(ctx context.Context, id string) (*v1.Provider, error)
	ProviderByCode(ctx context.Context, code string) (*v1.Provider, error)
	Zone(ctx context.Context, id string) (*v1.Zone, error)
	ZoneByProviderAndCode(ctx context.Context, providerID, code string) (*v1.Zone, error)
	InstanceType(ctx context.Context, id string) (*v1.InstanceType, error)
	InstanceTypeByCode(ctx context.Context, providerID, code string) (*v1.InstanceType, error)
	InstanceTypeAvailable(ctx context.Context, instanceTypeID, zoneID string) (bool, error)
	Model(ctx context.Context, id string) (*v1.Model, error)
	ModelByName(ctx context.Context, name string) (*v1.Model, error)
	DefaultModel(ctx context.Context) (*v1.Model, error)
	ActiveZones(ctx context.Context) ([]*v1.Zone, error)
}

// ValidationError carries a taxonomy code the state machine records on the
// instance when a deployment request fails catalog validation.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DeploymentRequest is a provision command's catalog references.
type DeploymentRequest struct {
	ProviderID     string `validate:"required"`
	ZoneID         string `validate:"required"`
	InstanceTypeID string `validate:"required"`
	ModelID        string `validate:"required"`
}

// Deployment is a fully resolved, catalog-consistent deployment request.
type Deployment struct {
	Provider     *v1.Provider
	Zone         *v1.Zone
	InstanceType *v1.InstanceType
	Model        *v1.Model
}

// Validate re-validates every catalog reference of a provision command:
// provider active, zone active and owned by the provider, instance type
// active and offered in the zone, model active and fitting the instance
// type's VRAM.
func Validate(ctx context.Context, cat Catalog, req DeploymentRequest) (*Deployment, *ValidationError) {
	if err := structValidator.StructCtx(ctx, req); err != nil {
		if req.ModelID == "" {
			return nil, &ValidationError{Code: fleeterrors.CodeMissingModel, Message: "model_id is mandatory at request time"}
		}
		return nil, &ValidationError{Code: fleeterrors.CodeMissingParams, Message: err.Error()}
	}

	provider, err := cat.Provider(ctx, req.ProviderID)
	if err != nil || !provider.IsActive {
		return nil, &ValidationError{Code: fleeterrors.CodeInvalidProvider, Message: fmt.Sprintf("provider %s is unknown or inactive", req.ProviderID)}
	}
	zone, err := cat.Zone(ctx, req.ZoneID)
	if err != nil || !zone.IsActive {
		return nil, &ValidationError{Code: fleeterrors.CodeInvalidZone, Message: fmt.Sprintf("zone %s is unknown or inactive", req.ZoneID)}
	}
	if zone.ProviderID != provider.ID {
		return nil, &ValidationError{Code: fleeterrors.CodeInvalidZone, Message: fmt.Sprintf("zone %s does not belong to provider %s", req.ZoneID, req.ProviderID)}
	}
	instanceType, err := cat.InstanceType(ctx, req.InstanceTypeID)
	if err != nil || !instanceType.IsActive {
		return nil, &ValidationError{Code: fleeterrors.CodeInvalidInstanceType, Message: fmt.Sprintf("instance type %s is unknown or inactive", req.InstanceTypeID)}
	}
	if instanceType.ProviderID != provider.ID {
		return nil, &ValidationError{Code: fleeterrors.CodeCatalogInconsistent, Message: fmt.Sprintf("instance type %s does not belong to provider %s", req.InstanceTypeID, req.ProviderID)}
	}
	available, err := cat.InstanceTypeAvailable(ctx, req.InstanceTypeID, req.ZoneID)
	if err != nil {
		return nil, &ValidationError{Code: fleeterrors.CodeCatalogInconsistent, Message: err.Error()}
	}
	if !available {
		return nil, &ValidationError{Code: fleeterrors.CodeInvalidInstanceType, Message: fmt.Sprintf("instance type %s is not available in zone %s", req.InstanceTypeID, req.ZoneID)}
	}
	model, err := cat.Model(ctx, req.ModelID)
	if err != nil || !model.IsActive {
		return nil, &ValidationError{Code: fleeterrors.CodeInvalidModel, Message: fmt.Sprintf("model %s is unknown or inactive", req.ModelID)}
	}
	if model.RequiredVRAMGB > instanceType.TotalVRAMGB() {
		return nil, &ValidationError{
			Code: fleeterrors.CodeIncompatibleModelInstance,
			Message: fmt.Sprintf("model %s requires %dGB VRAM, instance type %s offers %dGB",
				model.ModelID, model.RequiredVRAMGB, instanceType.Code, instanceType.TotalVRAMGB()),
		}
	}
	return &Deployment{Provider: provider, Zone: zone, InstanceType: instanceType, Model: model}, nil
}
