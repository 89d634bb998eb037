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

// Package reconciliation keeps database state consistent with the provider:
// orphan import, zombie detection, stuck-terminating recovery and volume
// deletion retry. Each sweep claims rows with skip-locked semantics so
// parallel control planes never contend.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/catalog"
	"github.com/gpufleet/gpufleet/pkg/controllers"
	"github.com/gpufleet/gpufleet/pkg/finops"
	"github.com/gpufleet/gpufleet/pkg/metrics"
	"github.com/gpufleet/gpufleet/pkg/providers"
	"github.com/gpufleet/gpufleet/pkg/state"
)

const (
	component = "reconciliation"

	// SweepInterval is the tick of all four sweeps.
	SweepInterval = time.Minute
	// stuckCutoff is how stale a terminating row's last_reconciliation must
	// be before the recovery sweep retakes it.
	stuckCutoff = 5 * time.Minute
	claimLimit  = 50

	ReasonReconciled = "reconciliation"
)

type Controller struct {
	instances state.InstanceStore
	volumes   state.VolumeStore
	machine   state.Machine
	catalog   catalog.Catalog
	registry  *providers.Registry
	recorder  actionlog.Recorder
	finops    *finops.Emitter
	clock     clock.Clock
	logger    *zap.Logger
}

func NewController(instances state.InstanceStore, volumes state.VolumeStore, machine state.Machine,
	cat catalog.Catalog, registry *providers.Registry, recorder actionlog.Recorder,
	emitter *finops.Emitter, clk clock.Clock, logger *zap.Logger) *Controller {
	return &Controller{
		instances: instances,
		volumes:   volumes,
		machine:   machine,
		catalog:   cat,
		registry:  registry,
		recorder:  recorder,
		finops:    emitter,
		clock:     clk,
		logger:    logger.Named(component),
	}
}

func (c *Controller) Name() string { return component }

func (c *Controller) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(SweepInterval):
		}
		if err := c.Sweep(ctx); err != nil {
			c.logger.Error("reconciliation pass failed", zap.Error(err))
		}
	}
}

// Sweep runs all four reconciliations once. Sweeps are independent; one
// failing does not stop the others.
func (c *Controller) Sweep(ctx context.Context) error {
	step := controllers.StartStep(ctx, c.recorder, c.clock, c.logger, actionlog.Start{
		ActionType: actionlog.ActionReconciliation,
		Component:  component,
	})
	err := multierr.Combine(
		c.sweepProviderListings(ctx),
		c.SweepStuckTerminating(ctx),
		c.SweepVolumes(ctx),
	)
	step.Complete(ctx, err)
	if err != nil {
		metrics.ReconciliationSweeps.WithLabelValues("failed").Inc()
	} else {
		metrics.ReconciliationSweeps.WithLabelValues("success").Inc()
	}
	return err
}

// sweepProviderListings lists every active zone once and feeds both the
// orphan import and the zombie detection from the same listing.
func (c *Controller) sweepProviderListings(ctx context.Context) error {
	zones, err := c.catalog.ActiveZones(ctx)
	if err != nil {
		return fmt.Errorf("listing active zones, %w", err)
	}
	var errs error
	for _, zone := range zones {
		providerRow, err := c.catalog.Provider(ctx, zone.ProviderID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resolving provider for zone %s, %w", zone.Code, err))
			continue
		}
		provider, err := c.registry.Get(providerRow.Code)
		if err != nil {
			// Catalog knows a provider this process has no adapter for; skip.
			c.logger.Debug("no adapter for catalog provider, skipping zone",
				zap.String("provider_code", providerRow.Code), zap.String("zone", zone.Code))
			continue
		}
		listing, err := provider.ListInstances(ctx, zone.Code)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listing instances in %s, %w", zone.Code, err))
			continue
		}
		for _, summary := range listing {
			if err := c.reconcileListed(ctx, providerRow, zone, summary); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func (c *Controller) reconcileListed(ctx context.Context, providerRow *v1.Provider, zone *v1.Zone, summary providers.InstanceSummary) error {
	instance, err := c.instances.GetByProviderInstanceID(ctx, summary.ProviderID)
	if state.IsNotFound(err) {
		return c.importOrphan(ctx, providerRow, zone, summary)
	}
	if err != nil {
		return fmt.Errorf("looking up provider instance %s, %w", summary.ProviderID, err)
	}
	// Zombie: the provider still runs it but the DB closed the row.
	if summary.Status == "running" &&
		(instance.Status == v1.InstanceStatusTerminated || instance.Status == v1.InstanceStatusArchived) {
		c.logger.Warn("zombie instance detected",
			zap.String("instance_id", instance.ID),
			zap.String("provider_instance_id", summary.ProviderID))
		if err := c.machine.TransitionToZombieReady(ctx, instance.ID); err != nil {
			return fmt.Errorf("reactivating zombie %s, %w", instance.ID, err)
		}
		if err := c.finops.CostStart(ctx, instance); err != nil {
			c.logger.Warn("cost-start for zombie failed", zap.Error(err))
		}
	}
	return c.instances.TouchReconciliation(ctx, instance.ID, c.clock.Now().UTC())
}

// importOrphan inserts a provisioning row for a VM the provider knows but the
// database does not. Listings whose instance type cannot be resolved in the
// catalog are rejected.
func (c *Controller) importOrphan(ctx context.Context, providerRow *v1.Provider, zone *v1.Zone, summary providers.InstanceSummary) error {
	instanceType, err := c.catalog.InstanceTypeByCode(ctx, providerRow.ID, summary.InstanceType)
	if err != nil {
		c.logger.Warn("orphan with unresolvable instance type, skipping",
			zap.String("provider_instance_id", summary.ProviderID),
			zap.String("instance_type", summary.InstanceType))
		return nil
	}
	now := c.clock.Now().UTC()
	providerInstanceID := summary.ProviderID
	instance := &v1.Instance{
		ID:                 uuid.NewString(),
		ProviderID:         providerRow.ID,
		ZoneID:             zone.ID,
		InstanceTypeID:     instanceType.ID,
		Status:             v1.InstanceStatusProvisioning,
		ProviderInstanceID: &providerInstanceID,
		CreatedAt:          now,
		LastReconciliation: &now,
	}
	if summary.Address != "" {
		instance.PublicAddress = &summary.Address
	}
	step := controllers.StartStep(ctx, c.recorder, c.clock, c.logger, actionlog.Start{
		ActionType: actionlog.ActionReconciliation,
		Component:  component,
		InstanceID: instance.ID,
		Request: map[string]any{
			"orphan_import":        true,
			"provider_instance_id": summary.ProviderID,
			"zone":                 zone.Code,
		},
	})
	err = c.instances.Insert(ctx, instance)
	step.Complete(ctx, err)
	if err != nil {
		return fmt.Errorf("importing orphan %s, %w", summary.ProviderID, err)
	}
	c.logger.Info("imported orphan instance",
		zap.String("instance_id", instance.ID),
		zap.String("provider_instance_id", summary.ProviderID),
		zap.String("zone", zone.Code))
	if summary.Status == "running" {
		if err := c.finops.CostStart(ctx, instance); err != nil {
			c.logger.Warn("cost-start for orphan failed", zap.Error(err))
		}
	}
	return nil
}

// SweepStuckTerminating retakes terminating rows whose last reconciliation
// is stale and finishes the provider-deletion confirmation the terminator
// could not.
func (c *Controller) SweepStuckTerminating(ctx context.Context) error {
	cutoff := c.clock.Now().Add(-stuckCutoff)
	stuck, err := c.instances.ClaimTerminatingStuck(ctx, cutoff, claimLimit)
	if err != nil {
		return fmt.Errorf("claiming stuck terminating rows, %w", err)
	}
	var errs error
	for _, instance := range stuck {
		if err := c.recoverTerminating(ctx, instance); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *Controller) recoverTerminating(ctx context.Context, instance *v1.Instance) error {
	log := c.logger.With(zap.String("instance_id", instance.ID))
	if instance.ProviderInstanceID == nil {
		reason := "no_provider_resource"
		if err := c.machine.TransitionToTerminated(ctx, instance.ID, &reason, false); err != nil {
			return fmt.Errorf("terminating resourceless stuck row %s, %w", instance.ID, err)
		}
		c.emitCostStop(ctx, instance.ID, reason)
		return nil
	}
	zone, err := c.catalog.Zone(ctx, instance.ZoneID)
	if err != nil {
		return fmt.Errorf("resolving zone for stuck row %s, %w", instance.ID, err)
	}
	providerRow, err := c.catalog.Provider(ctx, instance.ProviderID)
	if err != nil {
		return fmt.Errorf("resolving provider for stuck row %s, %w", instance.ID, err)
	}
	provider, err := c.registry.Get(providerRow.Code)
	if err != nil {
		return err
	}
	exists, err := provider.CheckInstanceExists(ctx, zone.Code, *instance.ProviderInstanceID)
	if err != nil {
		return fmt.Errorf("checking stuck row %s at provider, %w", instance.ID, err)
	}
	if exists {
		// Still there: re-issue the terminate and let the next sweep confirm.
		log.Info("stuck terminating row still present at provider, re-terminating")
		if err := provider.TerminateInstance(ctx, zone.Code, *instance.ProviderInstanceID); err != nil {
			log.Warn("re-terminate failed", zap.Error(err))
		}
		return nil
	}
	reason := ReasonReconciled
	if err := c.machine.TransitionToTerminated(ctx, instance.ID, &reason, true); err != nil {
		return fmt.Errorf("finalizing stuck row %s, %w", instance.ID, err)
	}
	log.Info("stuck terminating row confirmed deleted")
	c.emitCostStop(ctx, instance.ID, ReasonReconciled)
	return nil
}

// SweepVolumes retries provider-side deletion of volumes not yet confirmed
// absent: rows marked deleted, and failed deletions of delete-on-terminate
// volumes. The claim's last_reconciliation write doubles as retry backoff.
func (c *Controller) SweepVolumes(ctx context.Context) error {
	cutoff := c.clock.Now().Add(-stuckCutoff)
	claimed, err := c.volumes.ClaimUnreconciled(ctx, cutoff, claimLimit)
	if err != nil {
		return fmt.Errorf("claiming unreconciled volumes, %w", err)
	}
	var errs error
	for _, volume := range claimed {
		if err := c.reconcileVolume(ctx, volume); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *Controller) reconcileVolume(ctx context.Context, volume *v1.Volume) error {
	zone, err := c.catalog.Zone(ctx, volume.ZoneID)
	if err != nil {
		return fmt.Errorf("resolving zone for volume %s, %w", volume.ID, err)
	}
	providerRow, err := c.catalog.Provider(ctx, zone.ProviderID)
	if err != nil {
		return fmt.Errorf("resolving provider for volume %s, %w", volume.ID, err)
	}
	provider, err := c.registry.Get(providerRow.Code)
	if err != nil {
		return err
	}
	step := controllers.StartStep(ctx, c.recorder, c.clock, c.logger, actionlog.Start{
		ActionType: actionlog.ActionVolumeDelete,
		Component:  component,
		InstanceID: volume.InstanceID,
		Request:    map[string]any{"provider_volume_id": volume.ProviderVolumeID, "retry": true},
	})
	// The adapter treats 404 as success, so a nil return means the volume is
	// confirmed absent now.
	deleteErr := provider.DeleteVolume(ctx, zone.Code, volume.ProviderVolumeID)
	step.Complete(ctx, deleteErr)
	if deleteErr != nil {
		c.logger.Warn("volume deletion retry failed",
			zap.String("volume_id", volume.ID), zap.Error(deleteErr))
		return nil // claim already advanced last_reconciliation; retried next cutoff
	}
	if err := c.volumes.MarkDeleted(ctx, volume.ID, c.clock.Now().UTC()); err != nil {
		return fmt.Errorf("marking volume %s deleted, %w", volume.ID, err)
	}
	if err := c.volumes.MarkReconciled(ctx, volume.ID, c.clock.Now().UTC()); err != nil {
		return fmt.Errorf("marking volume %s reconciled, %w", volume.ID, err)
	}
	return nil
}

func (c *Controller) emitCostStop(ctx context.Context, instanceID, reason string) {
	instance, err := c.instances.Get(ctx, instanceID)
	if err != nil {
		c.logger.Warn("reloading instance for cost-stop failed",
			zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	if err := c.finops.CostStop(ctx, instance, reason, "repaired by reconciliation"); err != nil {
		c.logger.Warn("cost-stop emission failed", zap.Error(err))
	}
}
