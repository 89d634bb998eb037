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

package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpufleet/gpufleet/pkg/bus"
)

func TestBus(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bus")
}

var (
	ctx      context.Context
	cancel   context.CancelFunc
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	eventBus *bus.Bus
)

var _ = BeforeEach(func() {
	ctx, cancel = context.WithCancel(context.Background())
	var err error
	mr, err = miniredis.Run()
	Expect(err).ToNot(HaveOccurred())
	rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	eventBus = bus.New(rdb, zap.NewNop())
})

var _ = AfterEach(func() {
	cancel()
	Expect(rdb.Close()).To(Succeed())
	mr.Close()
})

// collector gathers handled commands across the consumer goroutine.
type collector struct {
	mu       sync.Mutex
	commands []bus.Command
	// failFirst makes the handler fail the first delivery of each instance id.
	failFirst map[string]bool
}

func (c *collector) handle(_ context.Context, cmd bus.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFirst != nil && !c.failFirst[cmd.InstanceID] {
		c.failFirst[cmd.InstanceID] = true
		return errors.New("transient handler failure")
	}
	c.commands = append(c.commands, cmd)
	return nil
}

func (c *collector) seen() []bus.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Command{}, c.commands...)
}

var _ = Describe("Commands", func() {
	It("should deliver published commands to the consumer group", func() {
		sink := &collector{}
		go func() {
			_ = eventBus.ConsumeCommands(ctx, "provisioning", "test-consumer", sink.handle)
		}()
		Expect(eventBus.PublishCommand(ctx, bus.Command{
			Type:          bus.CommandProvision,
			InstanceID:    "inst-1",
			CorrelationID: "corr-1",
		})).To(Succeed())
		Eventually(sink.seen, 5*time.Second, 50*time.Millisecond).Should(HaveLen(1))
		Expect(sink.seen()[0].Type).To(Equal(bus.CommandProvision))
		Expect(sink.seen()[0].InstanceID).To(Equal("inst-1"))
		Expect(sink.seen()[0].CorrelationID).To(Equal("corr-1"))
	})
	It("should leave failed entries pending and redeliver them to a restarted consumer", func() {
		sink := &collector{failFirst: map[string]bool{}}
		consumerCtx, stopConsumer := context.WithCancel(ctx)
		go func() {
			_ = eventBus.ConsumeCommands(consumerCtx, "provisioning", "test-consumer", sink.handle)
		}()
		Expect(eventBus.PublishCommand(ctx, bus.Command{Type: bus.CommandProvision, InstanceID: "inst-1"})).To(Succeed())
		// First delivery fails; the entry stays pending.
		Eventually(func() bool {
			sink.mu.Lock()
			defer sink.mu.Unlock()
			return sink.failFirst["inst-1"]
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
		stopConsumer()
		// Same consumer name restarts and replays its pending entries.
		go func() {
			_ = eventBus.ConsumeCommands(ctx, "provisioning", "test-consumer", sink.handle)
		}()
		Eventually(sink.seen, 5*time.Second, 50*time.Millisecond).Should(HaveLen(1))
	})
	It("should deliver every command to each consumer group independently", func() {
		provisioning := &collector{}
		termination := &collector{}
		go func() {
			_ = eventBus.ConsumeCommands(ctx, "provisioning", "p-1", provisioning.handle)
		}()
		go func() {
			_ = eventBus.ConsumeCommands(ctx, "termination", "t-1", termination.handle)
		}()
		Expect(eventBus.PublishCommand(ctx, bus.Command{Type: bus.CommandTerminate, InstanceID: "inst-1"})).To(Succeed())
		Eventually(provisioning.seen, 5*time.Second, 50*time.Millisecond).Should(HaveLen(1))
		Eventually(termination.seen, 5*time.Second, 50*time.Millisecond).Should(HaveLen(1))
	})
	It("should acknowledge and drop undecodable envelopes", func() {
		sink := &collector{}
		go func() {
			_ = eventBus.ConsumeCommands(ctx, "provisioning", "test-consumer", sink.handle)
		}()
		Expect(rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: bus.StreamOrchestrator,
			Values: map[string]any{"payload": "{not json"},
		}).Err()).To(Succeed())
		Expect(eventBus.PublishCommand(ctx, bus.Command{Type: bus.CommandProvision, InstanceID: "inst-1"})).To(Succeed())
		// The poison entry never wedges the stream; the next one arrives.
		Eventually(sink.seen, 5*time.Second, 50*time.Millisecond).Should(HaveLen(1))
		Expect(sink.seen()[0].InstanceID).To(Equal("inst-1"))
	})
})

var _ = Describe("FinOps", func() {
	It("should deliver cost events on their own stream", func() {
		var mu sync.Mutex
		var events []bus.FinOpsEvent
		go func() {
			_ = eventBus.ConsumeFinOps(ctx, "finops", "f-1", func(_ context.Context, event bus.FinOpsEvent) error {
				mu.Lock()
				defer mu.Unlock()
				events = append(events, event)
				return nil
			})
		}()
		Expect(eventBus.PublishFinOps(ctx, bus.FinOpsEvent{
			EventID:   "evt-1",
			EventType: bus.EventInstanceCostStart,
			Source:    "orchestrator",
			Payload:   bus.FinOpsDetail{InstanceID: "inst-1", ProviderID: "prov-1"},
		})).To(Succeed())
		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(events)
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(1))
		mu.Lock()
		defer mu.Unlock()
		Expect(events[0].EventID).To(Equal("evt-1"))
		Expect(events[0].Payload.InstanceID).To(Equal("inst-1"))
	})
})
