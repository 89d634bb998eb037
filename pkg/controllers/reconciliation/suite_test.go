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

package reconciliation_test

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
	"github.com/gpufleet/gpufleet/pkg/controllers/reconciliation"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/fake"
	"github.com/gpufleet/gpufleet/pkg/finops"
	"github.com/gpufleet/gpufleet/pkg/providers"
	"github.com/gpufleet/gpufleet/pkg/providers/mock"
)

func TestReconciliation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reconciliation")
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
	controller *reconciliation.Controller
)

func newController(c *fake.Catalog, registry *providers.Registry) *reconciliation.Controller {
	return reconciliation.NewController(instances, volumes, machine, c, registry, recorder,
		finops.NewEmitter(publisher, fakeClock, zap.NewNop()), fakeClock, zap.NewNop())
}

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
		AddProvider(&v1.Provider{ID: "prov-1", Code: providers.MockProviderCode, IsActive: true}).
		AddZone(&v1.Zone{ID: "zone-1", RegionID: "region-1", Code: mock.LocalZone, IsActive: true, ProviderID: "prov-1"}).
		AddInstanceType(&v1.InstanceType{
			ID: "type-1", ProviderID: "prov-1", Code: "mock-local-instance",
			GPUCount: 1, VRAMPerGPUGB: 24, IsActive: true,
		}, "zone-1")

	controller = newController(cat, providers.NewRegistry(cloud))
})

func knownInstance(id string, status v1.InstanceStatus, providerInstanceID *string) *v1.Instance {
	instance := &v1.Instance{
		ID:                 id,
		ProviderID:         "prov-1",
		ZoneID:             "zone-1",
		InstanceTypeID:     "type-1",
		Status:             status,
		ProviderInstanceID: providerInstanceID,
		CreatedAt:          fakeClock.Now().UTC(),
	}
	Expect(instances.Insert(ctx, instance)).To(Succeed())
	return instance
}

var _ = Describe("Sweep", func() {
	It("should record a sweep entry even when nothing needs repair", func() {
		Expect(controller.Sweep(ctx)).To(Succeed())
		entries := recorder.ByType(actionlog.ActionReconciliation)
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Status).To(Equal(actionlog.StatusSuccess))
	})
})

var _ = Describe("Orphan import", func() {
	It("should import a provider VM the database does not know", func() {
		providerInstanceID := cloud.InjectInstance("rogue")

		Expect(controller.Sweep(ctx)).To(Succeed())

		imported, err := instances.GetByProviderInstanceID(ctx, providerInstanceID)
		Expect(err).ToNot(HaveOccurred())
		Expect(imported.Status).To(Equal(v1.InstanceStatusProvisioning))
		Expect(imported.InstanceTypeID).To(Equal("type-1"))
		Expect(imported.ModelID).To(BeEmpty())
		Expect(lo.FromPtr(imported.PublicAddress)).To(Equal("127.0.0.1"))
		Expect(imported.LastReconciliation).ToNot(BeNil())
	})
	It("should open the billing window for a running orphan", func() {
		cloud.InjectInstance("rogue")
		Expect(controller.Sweep(ctx)).To(Succeed())

		events := publisher.FinOpsEvents()
		Expect(events).To(HaveLen(1))
		Expect(events[0].EventType).To(Equal(bus.EventInstanceCostStart))
	})
	It("should import each orphan exactly once across sweeps", func() {
		providerInstanceID := cloud.InjectInstance("rogue")
		Expect(controller.Sweep(ctx)).To(Succeed())
		Expect(controller.Sweep(ctx)).To(Succeed())

		imported, err := instances.GetByProviderInstanceID(ctx, providerInstanceID)
		Expect(err).ToNot(HaveOccurred())
		listed, err := instances.ListByStatus(ctx, v1.InstanceStatusProvisioning)
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(HaveLen(1))
		Expect(listed[0].ID).To(Equal(imported.ID))
	})
	It("should skip orphans whose instance type is not in the catalog", func() {
		bare := fake.NewCatalog().
			AddProvider(&v1.Provider{ID: "prov-1", Code: providers.MockProviderCode, IsActive: true}).
			AddZone(&v1.Zone{ID: "zone-1", RegionID: "region-1", Code: mock.LocalZone, IsActive: true, ProviderID: "prov-1"})
		controller = newController(bare, providers.NewRegistry(cloud))
		providerInstanceID := cloud.InjectInstance("rogue")

		Expect(controller.Sweep(ctx)).To(Succeed())

		_, err := instances.GetByProviderInstanceID(ctx, providerInstanceID)
		Expect(err).To(HaveOccurred())
	})
	It("should touch known instances instead of importing them", func() {
		providerInstanceID := cloud.InjectInstance("known")
		knownInstance("inst-1", v1.InstanceStatusReady, &providerInstanceID)

		Expect(controller.Sweep(ctx)).To(Succeed())

		got, err := instances.Get(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(v1.InstanceStatusReady))
		Expect(got.LastReconciliation).ToNot(BeNil())
		listed, err := instances.ListByStatus(ctx, v1.InstanceStatusProvisioning)
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(BeEmpty())
	})
})

var _ = Describe("Zombie detection", func() {
	It("should reactivate a terminated row the provider still runs", func() {
		providerInstanceID := cloud.InjectInstance("zombie")
		knownInstance("inst-1", v1.InstanceStatusTerminated, &providerInstanceID)

		Expect(controller.Sweep(ctx)).To(Succeed())

		got, err := instances.Get(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(v1.InstanceStatusReady))

		events := publisher.FinOpsEvents()
		Expect(events).To(HaveLen(1))
		Expect(events[0].EventType).To(Equal(bus.EventInstanceCostStart))
	})
})

var _ = Describe("Stuck terminating", func() {
	It("should finalize a stuck row whose VM is already gone", func() {
		knownInstance("inst-1", v1.InstanceStatusTerminating, lo.ToPtr("mock-long-gone"))

		Expect(controller.SweepStuckTerminating(ctx)).To(Succeed())

		got, err := instances.Get(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(v1.InstanceStatusTerminated))
		Expect(lo.FromPtr(got.DeletionReason)).To(Equal(reconciliation.ReasonReconciled))

		events := publisher.FinOpsEvents()
		Expect(events).To(HaveLen(1))
		Expect(events[0].EventType).To(Equal(bus.EventInstanceCostStop))
		Expect(events[0].Payload.Reason).To(Equal(reconciliation.ReasonReconciled))
	})
	It("should re-terminate a stuck row the provider still runs", func() {
		providerInstanceID := cloud.InjectInstance("stuck")
		knownInstance("inst-1", v1.InstanceStatusTerminating, &providerInstanceID)

		Expect(controller.SweepStuckTerminating(ctx)).To(Succeed())

		Expect(cloud.TerminateCalls).To(Equal(1))
		Expect(instanceStatus("inst-1")).To(Equal(v1.InstanceStatusTerminating))
		Expect(publisher.FinOpsEvents()).To(BeEmpty())
	})
	It("should finalize stuck rows that never got a provider resource", func() {
		knownInstance("inst-1", v1.InstanceStatusTerminating, nil)

		Expect(controller.SweepStuckTerminating(ctx)).To(Succeed())

		got, err := instances.Get(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(v1.InstanceStatusTerminated))
		Expect(lo.FromPtr(got.DeletionReason)).To(Equal("no_provider_resource"))
	})
	It("should leave freshly claimed rows alone until the cutoff passes", func() {
		knownInstance("inst-1", v1.InstanceStatusTerminating, lo.ToPtr("mock-long-gone"))

		// First sweep claims and finalizes; a second one has nothing to take.
		Expect(controller.SweepStuckTerminating(ctx)).To(Succeed())
		Expect(controller.SweepStuckTerminating(ctx)).To(Succeed())
		Expect(publisher.FinOpsEvents()).To(HaveLen(1))
	})
	It("should retry a stuck row again after the cutoff", func() {
		providerInstanceID := cloud.InjectInstance("stuck")
		knownInstance("inst-1", v1.InstanceStatusTerminating, &providerInstanceID)

		Expect(controller.SweepStuckTerminating(ctx)).To(Succeed())
		Expect(cloud.TerminateCalls).To(Equal(1))
		// Within the cutoff the claim holds.
		Expect(controller.SweepStuckTerminating(ctx)).To(Succeed())
		Expect(cloud.TerminateCalls).To(Equal(1))

		fakeClock.Step(6 * time.Minute)
		Expect(controller.SweepStuckTerminating(ctx)).To(Succeed())
		// Gone now; the row finalizes instead of re-terminating.
		Expect(instanceStatus("inst-1")).To(Equal(v1.InstanceStatusTerminated))
	})
})

var _ = Describe("Volume retry", func() {
	var volumeID string

	BeforeEach(func() {
		knownInstance("inst-1", v1.InstanceStatusTerminated, lo.ToPtr("mock-long-gone"))
		providerVolumeID, err := cloud.CreateVolume(ctx, providers.CreateVolumeRequest{
			Zone: mock.LocalZone, SizeBytes: 20 << 30,
		})
		Expect(err).ToNot(HaveOccurred())
		volumeID = "vol-1"
		Expect(volumes.Insert(ctx, &v1.Volume{
			ID: volumeID, InstanceID: "inst-1", ProviderVolumeID: providerVolumeID,
			ZoneID: "zone-1", VolumeType: "b_ssd", Status: v1.VolumeStatusDeleted,
			DeleteOnTerminate: true, CreatedAt: fakeClock.Now().UTC(),
			DeletedAt: lo.ToPtr(fakeClock.Now().UTC()),
		})).To(Succeed())
	})
	It("should confirm provider-side deletion and mark the volume reconciled", func() {
		Expect(controller.SweepVolumes(ctx)).To(Succeed())

		listed, err := volumes.ListByInstance(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(HaveLen(1))
		Expect(listed[0].Status).To(Equal(v1.VolumeStatusDeleted))
		Expect(listed[0].ReconciledAt).ToNot(BeNil())

		steps := recorder.ByType(actionlog.ActionVolumeDelete)
		Expect(steps).To(HaveLen(1))
		Expect(steps[0].Status).To(Equal(actionlog.StatusSuccess))
	})
	It("should retry a volume whose delete failed during termination", func() {
		Expect(volumes.MarkFailed(ctx, volumeID, "delete refused")).To(Succeed())

		Expect(controller.SweepVolumes(ctx)).To(Succeed())

		listed, err := volumes.ListByInstance(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(HaveLen(1))
		Expect(listed[0].Status).To(Equal(v1.VolumeStatusDeleted))
		Expect(listed[0].ReconciledAt).ToNot(BeNil())
	})
	It("should leave failed volumes alone when they are kept on terminate", func() {
		Expect(volumes.Insert(ctx, &v1.Volume{
			ID: "vol-keep", InstanceID: "inst-1", ProviderVolumeID: "mock-keep",
			ZoneID: "zone-1", VolumeType: "b_ssd", Status: v1.VolumeStatusFailed,
			DeleteOnTerminate: false, CreatedAt: fakeClock.Now().UTC(),
		})).To(Succeed())

		Expect(controller.SweepVolumes(ctx)).To(Succeed())

		listed, err := volumes.ListByInstance(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		kept, found := lo.Find(listed, func(v *v1.Volume) bool { return v.ID == "vol-keep" })
		Expect(found).To(BeTrue())
		Expect(kept.Status).To(Equal(v1.VolumeStatusFailed))
		Expect(kept.ReconciledAt).To(BeNil())
	})
	It("should back off on provider failure and retry after the cutoff", func() {
		controller = newController(cat, providers.NewRegistry(&failingVolumeDelete{Provider: cloud}))

		Expect(controller.SweepVolumes(ctx)).To(Succeed())
		listed, err := volumes.ListByInstance(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(listed[0].ReconciledAt).To(BeNil())

		// The claim itself is the backoff; nothing is retried before cutoff.
		Expect(controller.SweepVolumes(ctx)).To(Succeed())
		Expect(recorder.ByType(actionlog.ActionVolumeDelete)).To(HaveLen(1))

		fakeClock.Step(6 * time.Minute)
		controller = newController(cat, providers.NewRegistry(cloud))
		Expect(controller.SweepVolumes(ctx)).To(Succeed())
		listed, err = volumes.ListByInstance(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(listed[0].ReconciledAt).ToNot(BeNil())
	})
})

func instanceStatus(id string) v1.InstanceStatus {
	got, err := instances.Get(ctx, id)
	Expect(err).ToNot(HaveOccurred())
	return got.Status
}

// failingVolumeDelete simulates a provider refusing the volume delete.
type failingVolumeDelete struct {
	*mock.Provider
}

func (f *failingVolumeDelete) DeleteVolume(context.Context, string, string) error {
	return fleeterrors.NewTransient("PROVIDER_UNAVAILABLE", "delete refused", nil)
}
