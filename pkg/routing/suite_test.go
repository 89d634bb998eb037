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

package routing_test

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/fake"
	"github.com/gpufleet/gpufleet/pkg/routing"
)

func TestRouting(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Routing")
}

const stalenessHorizon = 2 * time.Minute

var (
	ctx       context.Context
	instances *fake.InstanceStore
	cat       *fake.Catalog
	index     *routing.Index
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	instances = fake.NewInstanceStore()
	cat = fake.NewCatalog().
		AddModel(&v1.Model{
			ID: "model-1", ModelID: "Qwen/Qwen2.5-0.5B-Instruct",
			RequiredVRAMGB: 8, IsActive: true,
		}).
		AddModel(&v1.Model{
			ID: "model-2", ModelID: "meta-llama/Llama-3.1-8B-Instruct",
			RequiredVRAMGB: 18, IsActive: true,
		})
	index = routing.NewIndex(instances, cat, stalenessHorizon, zap.NewNop())
})

// worker inserts a ready, heartbeating instance serving the model.
func worker(id, modelID, address string, queueDepth *int) {
	now := time.Now().UTC()
	Expect(instances.Insert(ctx, &v1.Instance{
		ID:                 id,
		ProviderID:         "prov-1",
		ZoneID:             "zone-1",
		InstanceTypeID:     "type-1",
		ModelID:            modelID,
		Status:             v1.InstanceStatusReady,
		ProviderInstanceID: lo.ToPtr("scw-" + id),
		PublicAddress:      &address,
		WorkerStatus:       lo.ToPtr(v1.WorkerStatusReady),
		WorkerHeartbeatAt:  &now,
		WorkerQueueDepth:   queueDepth,
		WorkerEnginePort:   lo.ToPtr(8000),
		CreatedAt:          now,
	})).To(Succeed())
}

var _ = Describe("Pick", func() {
	It("should route a named model to a ready worker", func() {
		worker("inst-1", "model-1", "10.0.0.1", nil)
		target, err := index.Pick(ctx, "Qwen/Qwen2.5-0.5B-Instruct", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(target.InstanceID).To(Equal("inst-1"))
		Expect(target.ModelID).To(Equal("Qwen/Qwen2.5-0.5B-Instruct"))
		Expect(target.BaseURL).To(Equal("http://10.0.0.1:8000"))
	})
	It("should fall back to the default model when none is named", func() {
		worker("inst-1", "model-1", "10.0.0.1", nil)
		target, err := index.Pick(ctx, "", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(target.ModelID).To(Equal("Qwen/Qwen2.5-0.5B-Instruct"))
	})
	It("should fail on a model the catalog does not know", func() {
		worker("inst-1", "model-1", "10.0.0.1", nil)
		_, err := index.Pick(ctx, "nobody/unknown", "")
		Expect(err).To(HaveOccurred())
	})
	It("should signal a structured miss when no worker is ready", func() {
		_, err := index.Pick(ctx, "Qwen/Qwen2.5-0.5B-Instruct", "")
		Expect(err).To(MatchError(routing.ErrNoReadyWorker))
	})
	It("should not route to workers of another model", func() {
		worker("inst-1", "model-2", "10.0.0.1", nil)
		_, err := index.Pick(ctx, "Qwen/Qwen2.5-0.5B-Instruct", "")
		Expect(err).To(MatchError(routing.ErrNoReadyWorker))
	})
	It("should not route to workers with stale freshness signals", func() {
		stale := time.Now().UTC().Add(-3 * stalenessHorizon)
		Expect(instances.Insert(ctx, &v1.Instance{
			ID: "inst-1", ProviderID: "prov-1", ZoneID: "zone-1", InstanceTypeID: "type-1",
			ModelID: "model-1", Status: v1.InstanceStatusReady,
			PublicAddress:     lo.ToPtr("10.0.0.1"),
			WorkerStatus:      lo.ToPtr(v1.WorkerStatusReady),
			WorkerHeartbeatAt: &stale,
			CreatedAt:         stale,
		})).To(Succeed())
		_, err := index.Pick(ctx, "Qwen/Qwen2.5-0.5B-Instruct", "")
		Expect(err).To(MatchError(routing.ErrNoReadyWorker))
	})
	It("should pin a session key to one worker", func() {
		worker("inst-1", "model-1", "10.0.0.1", nil)
		worker("inst-2", "model-1", "10.0.0.2", nil)
		worker("inst-3", "model-1", "10.0.0.3", nil)

		first, err := index.Pick(ctx, "Qwen/Qwen2.5-0.5B-Instruct", "session-42")
		Expect(err).ToNot(HaveOccurred())
		for i := 0; i < 10; i++ {
			again, err := index.Pick(ctx, "Qwen/Qwen2.5-0.5B-Instruct", "session-42")
			Expect(err).ToNot(HaveOccurred())
			Expect(again.InstanceID).To(Equal(first.InstanceID))
		}
	})
	It("should prefer the least loaded worker when all report queue depth", func() {
		worker("inst-1", "model-1", "10.0.0.1", lo.ToPtr(7))
		worker("inst-2", "model-1", "10.0.0.2", lo.ToPtr(0))
		worker("inst-3", "model-1", "10.0.0.3", lo.ToPtr(3))

		target, err := index.Pick(ctx, "Qwen/Qwen2.5-0.5B-Instruct", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(target.InstanceID).To(Equal("inst-2"))
	})
	It("should spread sessionless requests across workers", func() {
		worker("inst-1", "model-1", "10.0.0.1", nil)
		worker("inst-2", "model-1", "10.0.0.2", nil)

		seen := map[string]bool{}
		for i := 0; i < 4; i++ {
			target, err := index.Pick(ctx, "Qwen/Qwen2.5-0.5B-Instruct", "")
			Expect(err).ToNot(HaveOccurred())
			seen[target.InstanceID] = true
		}
		Expect(seen).To(HaveLen(2))
	})
})
