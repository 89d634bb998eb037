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

package provisioning_test

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/bus"
	"github.com/gpufleet/gpufleet/pkg/controllers/provisioning"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/fake"
	"github.com/gpufleet/gpufleet/pkg/finops"
	"github.com/gpufleet/gpufleet/pkg/providers"
	"github.com/gpufleet/gpufleet/pkg/providers/mock"
	"github.com/gpufleet/gpufleet/pkg/state"
)

func stateUpdateReady() state.WorkerRuntimeUpdate {
	now := time.Now().UTC()
	return state.WorkerRuntimeUpdate{
		Status:      lo.ToPtr(v1.WorkerStatusReady),
		HeartbeatAt: &now,
		ModelID:     lo.ToPtr("model-1"),
	}
}

func TestProvisioning(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Provisioning")
}

var (
	ctx        context.Context
	fakeClock  *clocktesting.FakeClock
	instances  *fake.InstanceStore
	volumes    *fake.VolumeStore
	machine    *fake.Machine
	cat        *fake.Catalog
	cloud      *mock.Provider
	recorder   *fake.Recorder
	publisher  *fake.Publisher
	controller *provisioning.Controller
	instance   *v1.Instance
	cmd        bus.Command
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	instances = fake.NewInstanceStore()
	volumes = fake.NewVolumeStore()
	machine = fake.NewMachine(instances)
	cloud = mock.NewProvider()
	recorder = fake.NewRecorder()
	publisher = fake.NewPublisher()

	cat = fake.NewCatalog().
		AddProvider(&v1.Provider{ID: "prov-1", Code: providers.MockProviderCode, Name: "Mock", IsActive: true}).
		AddZone(&v1.Zone{ID: "zone-1", RegionID: "region-1", Code: mock.LocalZone, IsActive: true, ProviderID: "prov-1"}).
		AddInstanceType(&v1.InstanceType{
			ID: "type-1", ProviderID: "prov-1", Code: "L4-1-24G",
			GPUCount: 1, VRAMPerGPUGB: 24, IsActive: true,
		}, "zone-1").
		AddModel(&v1.Model{
			ID: "model-1", ModelID: "Qwen/Qwen2.5-0.5B-Instruct",
			RequiredVRAMGB: 8, DataVolumeGB: 20, IsActive: true,
		})

	controller = provisioning.NewController(nil, instances, volumes, machine, cat,
		providers.NewRegistry(cloud), recorder, finops.NewEmitter(publisher, fakeClock, zap.NewNop()),
		fakeClock, provisioning.Config{
			OperatorSSHPublicKey: "ssh-ed25519 AAAA test",
			WorkerEligibleGlobs:  []string{"L4-*", "L40S-*", "H100-*", "RENDER-*"},
			AutoInstall:          true,
			DefaultDataVolumeGB:  50,
			EnginePort:           8000,
			HealthPort:           8080,
		}, zap.NewNop())

	instance = &v1.Instance{
		ID:             "inst-1",
		ProviderID:     "prov-1",
		ZoneID:         "zone-1",
		InstanceTypeID: "type-1",
		ModelID:        "model-1",
		Status:         v1.InstanceStatusProvisioning,
		CreatedAt:      fakeClock.Now().UTC(),
	}
	Expect(instances.Insert(ctx, instance)).To(Succeed())
	cmd = bus.Command{Type: bus.CommandProvision, InstanceID: "inst-1", CorrelationID: "corr-1"}
})

func currentInstance() *v1.Instance {
	got, err := instances.Get(ctx, "inst-1")
	Expect(err).ToNot(HaveOccurred())
	return got
}

var _ = Describe("Provision", func() {
	It("should drive a fresh instance to booting with a VM, a data volume and an address", func() {
		Expect(controller.Handle(ctx, cmd)).To(Succeed())

		got := currentInstance()
		Expect(got.Status).To(Equal(v1.InstanceStatusBooting))
		Expect(got.ProviderInstanceID).ToNot(BeNil())
		Expect(lo.FromPtr(got.PublicAddress)).To(Equal("127.0.0.1"))
		Expect(cloud.CreateCalls).To(Equal(1))

		attached, err := volumes.ListByInstance(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(attached).To(HaveLen(1))
		Expect(attached[0].Status).To(Equal(v1.VolumeStatusAttached))
		Expect(attached[0].SizeBytes).To(Equal(int64(20) << 30))
		Expect(attached[0].DeleteOnTerminate).To(BeTrue())
	})
	It("should record an action step for every remote call", func() {
		Expect(controller.Handle(ctx, cmd)).To(Succeed())
		for _, actionType := range []string{
			actionlog.ActionCatalogValidate,
			actionlog.ActionProviderCreate,
			actionlog.ActionVolumeCreate,
			actionlog.ActionVolumeAttach,
			actionlog.ActionOpenPorts,
			actionlog.ActionProviderStart,
			actionlog.ActionProviderGetIP,
		} {
			entries := recorder.ByType(actionType)
			Expect(entries).To(HaveLen(1), actionType)
			Expect(entries[0].Status).To(Equal(actionlog.StatusSuccess), actionType)
			Expect(entries[0].Start.CorrelationID).To(Equal("corr-1"), actionType)
		}
	})
	It("should open the billing window once the provider runs the VM", func() {
		Expect(controller.Handle(ctx, cmd)).To(Succeed())
		events := publisher.FinOpsEvents()
		Expect(events).To(HaveLen(1))
		Expect(events[0].EventType).To(Equal(bus.EventInstanceCostStart))
		Expect(events[0].Payload.InstanceID).To(Equal("inst-1"))
		Expect(events[0].Payload.ProviderInstanceID).ToNot(BeEmpty())
	})
	It("should not create a second VM when the command is redelivered", func() {
		Expect(controller.Handle(ctx, cmd)).To(Succeed())
		Expect(controller.Handle(ctx, cmd)).To(Succeed())
		Expect(cloud.CreateCalls).To(Equal(1))
		Expect(currentInstance().Status).To(Equal(v1.InstanceStatusBooting))
	})
	It("should fail validation-rejected requests without touching the provider", func() {
		rejected := &v1.Instance{
			ID: "inst-2", ProviderID: "prov-1", ZoneID: "zone-1",
			InstanceTypeID: "type-1", ModelID: "unknown-model",
			Status: v1.InstanceStatusProvisioning, CreatedAt: fakeClock.Now().UTC(),
		}
		Expect(instances.Insert(ctx, rejected)).To(Succeed())
		Expect(controller.Handle(ctx, bus.Command{Type: bus.CommandProvision, InstanceID: "inst-2"})).To(Succeed())

		got, err := instances.Get(ctx, "inst-2")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(v1.InstanceStatusProvisioningFailed))
		Expect(lo.FromPtr(got.ErrorCode)).To(Equal(fleeterrors.CodeInvalidModel))
		Expect(cloud.CreateCalls).To(BeZero())
	})
	It("should tear down the VM and volumes when start fails, keeping the error code", func() {
		cloud.NextStartErr = fleeterrors.NewFatal(fleeterrors.CodeProviderStartFailed, "start refused", nil)
		Expect(controller.Handle(ctx, cmd)).To(Succeed())

		got := currentInstance()
		Expect(got.Status).To(Equal(v1.InstanceStatusTerminating))
		Expect(lo.FromPtr(got.ErrorCode)).To(Equal(fleeterrors.CodeProviderStartFailed))
		Expect(cloud.TerminateCalls).To(Equal(1))

		attached, err := volumes.ListByInstance(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(attached).To(HaveLen(1))
		Expect(attached[0].Status).To(Equal(v1.VolumeStatusDeleted))
	})
	It("should never open the billing window on the start-failure path", func() {
		cloud.NextStartErr = fleeterrors.NewFatal(fleeterrors.CodeProviderStartFailed, "start refused", nil)
		Expect(controller.Handle(ctx, cmd)).To(Succeed())
		Expect(publisher.FinOpsEvents()).To(BeEmpty())
	})
	It("should drop provision commands for unknown instances", func() {
		Expect(controller.Handle(ctx, bus.Command{Type: bus.CommandProvision, InstanceID: "ghost"})).To(Succeed())
	})
	It("should skip instances already terminating", func() {
		Expect(machine.TransitionToTerminating(ctx, "inst-1")).To(Succeed())
		Expect(controller.Handle(ctx, cmd)).To(Succeed())
		Expect(cloud.CreateCalls).To(BeZero())
		Expect(currentInstance().Status).To(Equal(v1.InstanceStatusTerminating))
	})
	It("should acknowledge terminate commands untouched", func() {
		Expect(controller.Handle(ctx, bus.Command{Type: bus.CommandTerminate, InstanceID: "inst-1"})).To(Succeed())
		Expect(currentInstance().Status).To(Equal(v1.InstanceStatusProvisioning))
	})
})

var _ = Describe("Reinstall", func() {
	BeforeEach(func() {
		Expect(controller.Handle(ctx, cmd)).To(Succeed())
		Expect(machine.TransitionToReady(ctx, "inst-1", "test")).To(Succeed())
		Expect(instances.UpdateWorkerRuntime(ctx, "inst-1", stateUpdateReady())).To(Succeed())
	})
	It("should send a ready instance back through bringup and clear worker state", func() {
		Expect(controller.Handle(ctx, bus.Command{Type: bus.CommandReinstall, InstanceID: "inst-1"})).To(Succeed())
		got := currentInstance()
		Expect(got.Status).To(Equal(v1.InstanceStatusInstalling))
		Expect(got.WorkerStatus).To(BeNil())
		Expect(got.WorkerHeartbeatAt).To(BeNil())
		Expect(got.HealthCheckFailures).To(BeZero())
	})
	It("should skip reinstall for terminated instances", func() {
		Expect(machine.TransitionToTerminating(ctx, "inst-1")).To(Succeed())
		Expect(controller.Handle(ctx, bus.Command{Type: bus.CommandReinstall, InstanceID: "inst-1"})).To(Succeed())
		Expect(currentInstance().Status).To(Equal(v1.InstanceStatusTerminating))
	})
})
