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

// Package termination consumes CMD:TERMINATE and drives an instance to
// terminated: graceful provider termination, a bounded verify loop that
// confirms provider-side deletion, delete-on-terminate volume cleanup, and
// the closing FinOps cost event.
package termination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/bus"
	"github.com/gpufleet/gpufleet/pkg/catalog"
	"github.com/gpufleet/gpufleet/pkg/controllers"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/finops"
	"github.com/gpufleet/gpufleet/pkg/providers"
	"github.com/gpufleet/gpufleet/pkg/state"
)

const (
	component     = "termination"
	consumerGroup = "termination"

	// Verify loop budget: confirmation is polled every verifyInterval for at
	// most verifyBudget in a single pass; reconciliation retakes the rest.
	verifyInterval = 5 * time.Second
	verifyBudget   = 60 * time.Second

	ReasonNoProviderResource = "no_provider_resource"
	ReasonRequested          = "requested"
)

type Controller struct {
	bus       *bus.Bus
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

func NewController(b *bus.Bus, instances state.InstanceStore, volumes state.VolumeStore,
	machine state.Machine, cat catalog.Catalog, registry *providers.Registry,
	recorder actionlog.Recorder, emitter *finops.Emitter, clk clock.Clock, logger *zap.Logger) *Controller {
	return &Controller{
		bus:       b,
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
	consumer := component + "-" + uuid.NewString()[:8]
	return c.bus.ConsumeCommands(ctx, consumerGroup, consumer, c.Handle)
}

func (c *Controller) Handle(ctx context.Context, cmd bus.Command) error {
	if cmd.Type != bus.CommandTerminate {
		return nil // other groups own the rest
	}
	return c.terminate(ctx, cmd)
}

func (c *Controller) terminate(ctx context.Context, cmd bus.Command) error {
	log := c.logger.With(
		zap.String("instance_id", cmd.InstanceID),
		zap.String("correlation_id", cmd.CorrelationID))

	instance, err := c.instances.Get(ctx, cmd.InstanceID)
	if err != nil {
		if state.IsNotFound(err) {
			log.Error("terminate command for unknown instance, dropping")
			return nil
		}
		return err
	}

	// Replayed terminate on a terminated row is a success without provider
	// calls.
	if instance.Status == v1.InstanceStatusTerminated || instance.Status == v1.InstanceStatusArchived {
		return nil
	}

	// No provider resource was ever created; terminal immediately.
	if instance.ProviderInstanceID == nil {
		if err := c.machine.TransitionToTerminating(ctx, instance.ID); err != nil {
			return fmt.Errorf("moving %s to terminating, %w", instance.ID, err)
		}
		reason := ReasonNoProviderResource
		if err := c.machine.TransitionToTerminated(ctx, instance.ID, &reason, false); err != nil {
			return fmt.Errorf("terminating resourceless instance %s, %w", instance.ID, err)
		}
		c.emitCostStop(ctx, log, instance.ID, ReasonNoProviderResource, "")
		return nil
	}

	zone, err := c.catalog.Zone(ctx, instance.ZoneID)
	if err != nil {
		// Unresolvable zone: leave the row terminating with the code set so
		// a later reconciliation pass retries once the catalog heals.
		log.Error("zone unresolvable, leaving instance in terminating", zap.Error(err))
		if terr := c.machine.TransitionToTerminating(ctx, instance.ID); terr != nil {
			return terr
		}
		return c.machine.RecordError(ctx, instance.ID, fleeterrors.CodeMissingZone, err.Error())
	}
	providerRow, err := c.catalog.Provider(ctx, instance.ProviderID)
	if err != nil {
		return fmt.Errorf("resolving provider for %s, %w", instance.ID, err)
	}
	provider, err := c.registry.Get(providerRow.Code)
	if err != nil {
		return fmt.Errorf("resolving adapter for %s, %w", instance.ID, err)
	}

	if err := c.machine.TransitionToTerminating(ctx, instance.ID); err != nil {
		if state.IsIllegalTransition(err) {
			log.Warn("terminate superseded by terminal state", zap.Error(err))
			return nil
		}
		return err
	}

	step := controllers.StartStep(ctx, c.recorder, c.clock, c.logger, actionlog.Start{
		ActionType:    actionlog.ActionProviderTerminate,
		Component:     component,
		InstanceID:    instance.ID,
		CorrelationID: cmd.CorrelationID,
		Request: map[string]any{
			"zone": zone.Code, "provider_instance_id": *instance.ProviderInstanceID,
		},
	})
	if err := provider.TerminateInstance(ctx, zone.Code, *instance.ProviderInstanceID); err != nil {
		step.Complete(ctx, err)
		log.Error("provider terminate failed, reconciliation will retry", zap.Error(err))
		// Row stays terminating; the command is acknowledged because the
		// stuck-state sweep owns the retry from here.
		return c.machine.RecordError(ctx, instance.ID,
			fleeterrors.CodeOf(err, fleeterrors.CodeDBError), err.Error())
	}

	confirmed := c.verifyDeletion(ctx, provider, zone.Code, *instance.ProviderInstanceID)
	step.CompleteWithMetadata(ctx, nil, map[string]any{"deletion_confirmed": confirmed})
	if !confirmed {
		// Budget exhausted in this pass; the stuck-state sweep retakes
		// confirmation.
		log.Info("provider still reports the instance, leaving terminating")
		return nil
	}

	reason := ReasonRequested
	if err := c.machine.TransitionToTerminated(ctx, instance.ID, &reason, true); err != nil {
		return fmt.Errorf("finalizing termination of %s, %w", instance.ID, err)
	}
	c.deleteVolumes(ctx, log, provider, zone.Code, instance.ID, cmd.CorrelationID)
	c.emitCostStop(ctx, log, instance.ID, ReasonRequested, "")
	log.Info("instance terminated")
	return nil
}

// verifyDeletion polls check_instance_exists until the provider stops
// reporting the VM or the per-pass budget runs out.
func (c *Controller) verifyDeletion(ctx context.Context, provider providers.CloudProvider, zone, providerInstanceID string) bool {
	deadline := c.clock.Now().Add(verifyBudget)
	for {
		exists, err := provider.CheckInstanceExists(ctx, zone, providerInstanceID)
		if err == nil && !exists {
			return true
		}
		if err != nil {
			c.logger.Warn("deletion check failed",
				zap.String("provider_instance_id", providerInstanceID), zap.Error(err))
		}
		if c.clock.Now().Add(verifyInterval).After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(verifyInterval):
		}
	}
}

func (c *Controller) deleteVolumes(ctx context.Context, log *zap.Logger, provider providers.CloudProvider,
	zone, instanceID, correlationID string) {
	volumes, err := c.volumes.ListByInstance(ctx, instanceID)
	if err != nil {
		log.Warn("listing volumes for deletion failed", zap.Error(err))
		return
	}
	for _, volume := range volumes {
		if !volume.DeleteOnTerminate || volume.Status == v1.VolumeStatusDeleted {
			continue
		}
		step := controllers.StartStep(ctx, c.recorder, c.clock, c.logger, actionlog.Start{
			ActionType:    actionlog.ActionVolumeDelete,
			Component:     component,
			InstanceID:    instanceID,
			CorrelationID: correlationID,
			Request:       map[string]any{"provider_volume_id": volume.ProviderVolumeID},
		})
		err := provider.DeleteVolume(ctx, zone, volume.ProviderVolumeID)
		step.Complete(ctx, err)
		if err != nil {
			log.Warn("volume delete failed, reconciliation will retry",
				zap.String("volume_id", volume.ID), zap.Error(err))
			if markErr := c.volumes.MarkFailed(ctx, volume.ID, err.Error()); markErr != nil {
				log.Warn("marking volume failed errored", zap.String("volume_id", volume.ID), zap.Error(markErr))
			}
			continue
		}
		if err := c.volumes.MarkDeleted(ctx, volume.ID, c.clock.Now().UTC()); err != nil {
			log.Warn("marking volume deleted failed", zap.String("volume_id", volume.ID), zap.Error(err))
		}
	}
}

func (c *Controller) emitCostStop(ctx context.Context, log *zap.Logger, instanceID, reason, note string) {
	instance, err := c.instances.Get(ctx, instanceID)
	if err != nil {
		log.Warn("reloading instance for cost-stop failed", zap.Error(err))
		return
	}
	if err := c.finops.CostStop(ctx, instance, reason, note); err != nil {
		log.Warn("cost-stop emission failed, reconciliation will repair", zap.Error(err))
	}
}
