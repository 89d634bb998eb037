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

// Package provisioning consumes CMD:PROVISION and drives an instance from
// the provisioning row to booting: catalog re-validation, boot image
// resolution, create, data volume, ports, start, IP discovery. Every remote
// call is wrapped in an action-log step under the request's correlation id.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/bus"
	"github.com/gpufleet/gpufleet/pkg/catalog"
	"github.com/gpufleet/gpufleet/pkg/controllers"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/finops"
	"github.com/gpufleet/gpufleet/pkg/metrics"
	"github.com/gpufleet/gpufleet/pkg/providers"
	"github.com/gpufleet/gpufleet/pkg/state"
)

const (
	component     = "provisioning"
	consumerGroup = "provisioning"

	ipPollAttempts = 5
	ipPollDelay    = 2 * time.Second
)

var errAddressPending = errors.New("public address not yet assigned")

// Config carries the provisioning knobs taken from operator options.
type Config struct {
	// OperatorSSHPublicKey is authorized on every VM so the prober can run
	// the bootstrap over SSH.
	OperatorSSHPublicKey string
	// WorkerEligibleGlobs selects the instance-type codes that receive the
	// full engine bootstrap (e.g. L4-*, L40S-*).
	WorkerEligibleGlobs []string
	// AutoInstall injects the full engine cloud-init; when false only the
	// SSH key is authorized and the prober bootstraps over SSH.
	AutoInstall bool
	// DefaultDataVolumeGB sizes the data volume when the model records none.
	// Zero skips volume creation entirely for such models.
	DefaultDataVolumeGB int
	EnginePort          int
	HealthPort          int
}

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
	config    Config
	logger    *zap.Logger
}

func NewController(b *bus.Bus, instances state.InstanceStore, volumes state.VolumeStore,
	machine state.Machine, cat catalog.Catalog, registry *providers.Registry,
	recorder actionlog.Recorder, emitter *finops.Emitter, clk clock.Clock,
	config Config, logger *zap.Logger) *Controller {
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
		config:    config,
		logger:    logger.Named(component),
	}
}

func (c *Controller) Name() string { return component }

func (c *Controller) Start(ctx context.Context) error {
	consumer := component + "-" + uuid.NewString()[:8]
	return c.bus.ConsumeCommands(ctx, consumerGroup, consumer, c.Handle)
}

// Handle dispatches one command envelope. Terminate commands belong to the
// termination group and are acknowledged untouched.
func (c *Controller) Handle(ctx context.Context, cmd bus.Command) error {
	switch cmd.Type {
	case bus.CommandProvision:
		return c.provision(ctx, cmd)
	case bus.CommandReinstall:
		return c.reinstall(ctx, cmd)
	default:
		return nil
	}
}

func (c *Controller) provision(ctx context.Context, cmd bus.Command) error {
	log := c.logger.With(
		zap.String("instance_id", cmd.InstanceID),
		zap.String("correlation_id", cmd.CorrelationID))

	instance, err := c.instances.Get(ctx, cmd.InstanceID)
	if err != nil {
		if state.IsNotFound(err) {
			log.Error("provision command for unknown instance, dropping")
			return nil
		}
		return err
	}
	if instance.Status == v1.InstanceStatusTerminating || instance.Status.IsTerminal() {
		log.Info("skipping provision, instance already past provisioning",
			zap.String("status", string(instance.Status)))
		return nil
	}

	startedAt := c.clock.Now()
	providerCode := "unknown"
	result := "failed"
	record := true
	defer func() {
		if record {
			metrics.ProvisioningDuration.WithLabelValues(providerCode, result).
				Observe(c.clock.Since(startedAt).Seconds())
		}
	}()

	// Step 1: re-validate every catalog reference; the catalog may have
	// changed since the API accepted the request.
	validate := c.step(ctx, actionlog.ActionCatalogValidate, cmd, map[string]any{
		"provider_id": instance.ProviderID, "zone_id": instance.ZoneID,
		"instance_type_id": instance.InstanceTypeID, "model_id": instance.ModelID,
	})
	deployment, verr := catalog.Validate(ctx, c.catalog, catalog.DeploymentRequest{
		ProviderID:     instance.ProviderID,
		ZoneID:         instance.ZoneID,
		InstanceTypeID: instance.InstanceTypeID,
		ModelID:        instance.ModelID,
	})
	if verr != nil {
		validate.Complete(ctx, verr)
		return c.failProvisioning(ctx, log, instance.ID, verr.Code, verr.Message)
	}
	validate.Complete(ctx, nil)

	providerCode = deployment.Provider.Code
	provider, err := c.registry.Get(deployment.Provider.Code)
	if err != nil {
		return c.failProvisioning(ctx, log, instance.ID, fleeterrors.CodeInvalidProvider, err.Error())
	}
	zone := deployment.Zone.Code

	// Step 2: idempotence guard. A redelivered command must never create a
	// second VM.
	if instance.ProviderInstanceID != nil {
		log.Info("provider instance already created, refreshing address and advancing",
			zap.String("provider_instance_id", *instance.ProviderInstanceID))
		record = false
		return c.advanceExisting(ctx, provider, zone, instance)
	}

	// Step 3: boot image, from the catalog row when pinned, else discovered.
	bootImage := lo.FromPtr(deployment.InstanceType.BootImageID)
	if bootImage == "" {
		resolve := c.step(ctx, actionlog.ActionBootImageResolve, cmd, map[string]any{
			"instance_type": deployment.InstanceType.Code, "zone": zone,
		})
		bootImage, err = provider.ResolveBootImage(ctx, zone, deployment.InstanceType.Code)
		resolve.CompleteWithMetadata(ctx, err, map[string]any{"boot_image": bootImage})
		if err != nil {
			return c.failProvisioning(ctx, log, instance.ID,
				fleeterrors.CodeOf(err, fleeterrors.CodeDisklessBootImageResolveFailed), err.Error())
		}
	}

	// Step 4: cloud-init. Worker-eligible types get the full engine install;
	// everything else gets the SSH key so the prober keeps a way in.
	workerEligible := catalog.WorkerEligible(deployment.InstanceType.Code, c.config.WorkerEligibleGlobs)
	userData := sshOnlyUserData(c.config.OperatorSSHPublicKey)
	if workerEligible && c.config.AutoInstall {
		userData = workerUserData(c.config.OperatorSSHPublicKey, deployment.Model.ModelID,
			c.config.EnginePort, c.config.HealthPort)
	}

	// Step 5: create, and persist the provider handle before anything else
	// can fail so cleanup always has it.
	name := "gpufleet-" + instance.ID
	create := c.step(ctx, actionlog.ActionProviderCreate, cmd, map[string]any{
		"zone": zone, "instance_type": deployment.InstanceType.Code, "boot_image": bootImage,
	})
	providerInstanceID, err := provider.CreateInstance(ctx, providers.CreateInstanceRequest{
		Zone:         zone,
		Name:         name,
		InstanceType: deployment.InstanceType.Code,
		BootImage:    bootImage,
		UserData:     userData,
	})
	create.CompleteWithMetadata(ctx, err, map[string]any{"provider_instance_id": providerInstanceID})
	if err != nil {
		return c.failProvisioning(ctx, log, instance.ID,
			fleeterrors.CodeOf(err, fleeterrors.CodeProviderCreateFailed), err.Error())
	}
	if err := c.instances.SetProviderInstanceID(ctx, instance.ID, providerInstanceID); err != nil {
		// The VM exists but we could not record it; redelivery hits the
		// idempotence guard once the write eventually lands.
		return fmt.Errorf("persisting provider instance id for %s, %w", instance.ID, err)
	}

	// Step 6: data volume sized from the model, default from configuration.
	var providerVolumeIDs []string
	dataGB := deployment.Model.DataVolumeGB
	if dataGB == 0 {
		dataGB = c.config.DefaultDataVolumeGB
	}
	if dataGB > 0 {
		volumeRow, err := c.provisionVolume(ctx, cmd, provider, zone, instance, name, dataGB)
		if err != nil {
			return c.cleanupAndFail(ctx, log, provider, zone, instance.ID,
				providerInstanceID, providerVolumeIDs, err)
		}
		providerVolumeIDs = append(providerVolumeIDs, volumeRow.ProviderVolumeID)
		if err := c.attachVolume(ctx, cmd, provider, zone, providerInstanceID, volumeRow); err != nil {
			return c.cleanupAndFail(ctx, log, provider, zone, instance.ID,
				providerInstanceID, providerVolumeIDs, err)
		}
	}

	// Step 7: inbound ports for engine and health endpoints. Best effort;
	// the adapter keeps port 22 reachable regardless.
	ports := c.step(ctx, actionlog.ActionOpenPorts, cmd, map[string]any{
		"ports": []int{c.config.EnginePort, c.config.HealthPort},
	})
	if err := provider.EnsureInboundTCPPorts(ctx, zone, providerInstanceID,
		[]int{c.config.EnginePort, c.config.HealthPort}); err != nil {
		ports.Complete(ctx, err)
		log.Warn("opening inbound ports failed, continuing", zap.Error(err))
	} else {
		ports.Complete(ctx, nil)
	}

	// Step 8: start.
	start := c.step(ctx, actionlog.ActionProviderStart, cmd, map[string]any{
		"provider_instance_id": providerInstanceID,
	})
	if err := provider.StartInstance(ctx, zone, providerInstanceID); err != nil {
		start.Complete(ctx, err)
		return c.cleanupAndFail(ctx, log, provider, zone, instance.ID,
			providerInstanceID, providerVolumeIDs,
			fleeterrors.NewFatal(fleeterrors.CodeProviderStartFailed, "starting instance", err))
	}
	start.Complete(ctx, nil)

	// Step 9: address discovery, then booting.
	address := c.pollAddress(ctx, cmd, provider, zone, providerInstanceID)
	if err := c.machine.TransitionToBooting(ctx, instance.ID, providerInstanceID, address); err != nil {
		return fmt.Errorf("advancing %s to booting, %w", instance.ID, err)
	}

	// Step 10: the billing window opens once the provider runs the VM.
	refreshed, err := c.instances.Get(ctx, instance.ID)
	if err == nil {
		if err := c.finops.CostStart(ctx, refreshed); err != nil {
			log.Warn("cost-start emission failed, reconciliation will repair", zap.Error(err))
		}
	}
	result = "provisioned"
	log.Info("instance provisioned",
		zap.String("provider_instance_id", providerInstanceID),
		zap.Stringp("address", address))
	return nil
}

// advanceExisting is the replay path: the VM exists, so only refresh the
// address and move a still-provisioning row forward.
func (c *Controller) advanceExisting(ctx context.Context, provider providers.CloudProvider, zone string, instance *v1.Instance) error {
	providerInstanceID := *instance.ProviderInstanceID
	var address *string
	if ip, err := provider.GetInstanceIP(ctx, zone, providerInstanceID); err == nil && ip != "" {
		address = &ip
	}
	if instance.Status != v1.InstanceStatusProvisioning {
		if address != nil {
			return c.instances.SetPublicAddress(ctx, instance.ID, address)
		}
		return nil
	}
	if err := c.machine.TransitionToBooting(ctx, instance.ID, providerInstanceID, address); err != nil {
		return fmt.Errorf("advancing replayed instance %s to booting, %w", instance.ID, err)
	}
	return nil
}

func (c *Controller) provisionVolume(ctx context.Context, cmd bus.Command, provider providers.CloudProvider,
	zone string, instance *v1.Instance, name string, dataGB int) (*v1.Volume, error) {
	create := c.step(ctx, actionlog.ActionVolumeCreate, cmd, map[string]any{
		"size_gb": dataGB, "zone": zone,
	})
	providerVolumeID, err := provider.CreateVolume(ctx, providers.CreateVolumeRequest{
		Zone:      zone,
		Name:      name + "-data",
		SizeBytes: int64(dataGB) << 30,
		Kind:      "b_ssd",
	})
	create.CompleteWithMetadata(ctx, err, map[string]any{"provider_volume_id": providerVolumeID})
	if err != nil {
		return nil, fleeterrors.NewFatal(fleeterrors.CodeProviderVolumeCreateFailed, "creating data volume", err)
	}
	volume := &v1.Volume{
		ID:                uuid.NewString(),
		InstanceID:        instance.ID,
		ProviderVolumeID:  providerVolumeID,
		ZoneID:            instance.ZoneID,
		VolumeType:        "b_ssd",
		SizeBytes:         int64(dataGB) << 30,
		Status:            v1.VolumeStatusCreating,
		DeleteOnTerminate: true,
		CreatedAt:         c.clock.Now().UTC(),
	}
	if err := c.volumes.Insert(ctx, volume); err != nil {
		return nil, fleeterrors.NewFatal(fleeterrors.CodeDBError, "recording data volume", err)
	}
	return volume, nil
}

func (c *Controller) attachVolume(ctx context.Context, cmd bus.Command, provider providers.CloudProvider,
	zone, providerInstanceID string, volume *v1.Volume) error {
	attach := c.step(ctx, actionlog.ActionVolumeAttach, cmd, map[string]any{
		"provider_volume_id": volume.ProviderVolumeID, "provider_instance_id": providerInstanceID,
	})
	err := provider.AttachVolume(ctx, zone, providerInstanceID, volume.ProviderVolumeID, volume.DeleteOnTerminate)
	attach.Complete(ctx, err)
	if err != nil {
		if markErr := c.volumes.MarkFailed(ctx, volume.ID, err.Error()); markErr != nil {
			c.logger.Warn("marking volume failed errored", zap.String("volume_id", volume.ID), zap.Error(markErr))
		}
		return fleeterrors.NewFatal(fleeterrors.CodeProviderVolumeAttachFailed, "attaching data volume", err)
	}
	return c.volumes.MarkAttached(ctx, volume.ID, c.clock.Now().UTC())
}

// pollAddress retries get_instance_ip a few times; a missing address is not
// fatal, the prober skips instances until one appears.
func (c *Controller) pollAddress(ctx context.Context, cmd bus.Command, provider providers.CloudProvider,
	zone, providerInstanceID string) *string {
	step := c.step(ctx, actionlog.ActionProviderGetIP, cmd, map[string]any{
		"provider_instance_id": providerInstanceID,
	})
	var address string
	err := retry.Do(
		func() error {
			ip, err := provider.GetInstanceIP(ctx, zone, providerInstanceID)
			if err != nil {
				return err
			}
			if ip == "" {
				return errAddressPending
			}
			address = ip
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(ipPollAttempts),
		retry.Delay(ipPollDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	step.CompleteWithMetadata(ctx, err, map[string]any{"address": address})
	if err != nil {
		c.logger.Info("no public address yet, booting without one",
			zap.String("instance_id", cmd.InstanceID), zap.Error(err))
		return nil
	}
	return &address
}

// cleanupAndFail tears down whatever was created, then picks the terminal
// branch: terminating when the provider accepted the cleanup, else
// provisioning_failed. The cost-start event is never emitted on this path.
func (c *Controller) cleanupAndFail(ctx context.Context, log *zap.Logger,
	provider providers.CloudProvider, zone, instanceID, providerInstanceID string,
	providerVolumeIDs []string, cause error) error {
	code := fleeterrors.CodeOf(cause, fleeterrors.CodeProviderCreateFailed)
	log.Error("provisioning failed, cleaning up", zap.String("error_code", code), zap.Error(cause))

	var cleanupErr error
	if providerInstanceID != "" {
		cleanupErr = multierr.Append(cleanupErr, provider.TerminateInstance(ctx, zone, providerInstanceID))
	}
	for _, volumeID := range providerVolumeIDs {
		cleanupErr = multierr.Append(cleanupErr, provider.DeleteVolume(ctx, zone, volumeID))
	}
	c.markVolumesDeleted(ctx, instanceID)

	if cleanupErr == nil {
		if err := c.machine.RecordError(ctx, instanceID, code, cause.Error()); err != nil {
			log.Warn("recording cleanup error code failed", zap.Error(err))
		}
		if err := c.machine.TransitionToTerminating(ctx, instanceID); err != nil {
			return fmt.Errorf("moving %s to terminating after cleanup, %w", instanceID, err)
		}
		return nil
	}
	return c.failProvisioning(ctx, log, instanceID, code,
		fmt.Sprintf("%v (cleanup: %v)", cause, cleanupErr))
}

func (c *Controller) markVolumesDeleted(ctx context.Context, instanceID string) {
	volumes, err := c.volumes.ListByInstance(ctx, instanceID)
	if err != nil {
		c.logger.Warn("listing volumes for cleanup failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	now := c.clock.Now().UTC()
	for _, volume := range volumes {
		if volume.Status == v1.VolumeStatusDeleted {
			continue
		}
		if err := c.volumes.MarkDeleted(ctx, volume.ID, now); err != nil {
			c.logger.Warn("marking volume deleted failed", zap.String("volume_id", volume.ID), zap.Error(err))
		}
	}
}

func (c *Controller) failProvisioning(ctx context.Context, log *zap.Logger, instanceID, code, message string) error {
	err := c.machine.TransitionToProvisioningFailed(ctx, instanceID, code, message)
	if state.IsIllegalTransition(err) {
		// A racing terminate won; the terminal branch stands.
		log.Warn("provisioning failure superseded by another transition", zap.Error(err))
		return nil
	}
	return err
}

func (c *Controller) reinstall(ctx context.Context, cmd bus.Command) error {
	log := c.logger.With(zap.String("instance_id", cmd.InstanceID))
	instance, err := c.instances.Get(ctx, cmd.InstanceID)
	if err != nil {
		if state.IsNotFound(err) {
			log.Error("reinstall command for unknown instance, dropping")
			return nil
		}
		return err
	}
	if instance.Status != v1.InstanceStatusReady && !instance.Status.IsBootingPhase() {
		log.Warn("skipping reinstall, instance not running",
			zap.String("status", string(instance.Status)))
		return nil
	}
	if err := c.machine.TransitionToInstalling(ctx, instance.ID); err != nil {
		if state.IsIllegalTransition(err) {
			return nil
		}
		return err
	}
	log.Info("instance queued for reinstall, prober will re-run the bootstrap")
	return nil
}

func (c *Controller) step(ctx context.Context, actionType string, cmd bus.Command, request map[string]any) *controllers.Step {
	return controllers.StartStep(ctx, c.recorder, c.clock, c.logger, actionlog.Start{
		ActionType:    actionType,
		Component:     component,
		InstanceID:    cmd.InstanceID,
		CorrelationID: cmd.CorrelationID,
		Request:       request,
	})
}
