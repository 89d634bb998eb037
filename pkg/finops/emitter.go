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

// Package finops emits the cost-window boundary events consumed by billing.
// Every window opened by InstanceCostStart is eventually closed by exactly
// one effective InstanceCostStop; replays carry stable event ids so the
// consumer can deduplicate.
package finops

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/bus"
)

const source = "orchestrator"

// Emitter publishes cost boundary events. Publishing is best effort from the
// caller's point of view: a lost cost-start must not fail provisioning, and a
// lost cost-stop is repaired by the reconciliation sweeps re-emitting it.
type Emitter struct {
	publisher bus.FinOpsPublisher
	clock     clock.Clock
	logger    *zap.Logger
}

func NewEmitter(publisher bus.FinOpsPublisher, clk clock.Clock, logger *zap.Logger) *Emitter {
	return &Emitter{publisher: publisher, clock: clk, logger: logger.Named("finops")}
}

// CostStart opens the billing window for an instance. Emitted after the
// provider acknowledges a successful start.
func (e *Emitter) CostStart(ctx context.Context, instance *v1.Instance) error {
	return e.emit(ctx, bus.EventInstanceCostStart, instance, "", "")
}

// CostStop closes the billing window. reason distinguishes an ordinary
// terminate from a reconciliation repair; note carries free-form context.
func (e *Emitter) CostStop(ctx context.Context, instance *v1.Instance, reason, note string) error {
	return e.emit(ctx, bus.EventInstanceCostStop, instance, reason, note)
}

func (e *Emitter) emit(ctx context.Context, eventType string, instance *v1.Instance, reason, note string) error {
	event := bus.FinOpsEvent{
		EventID:    uuid.NewString(),
		OccurredAt: e.clock.Now().UTC(),
		EventType:  eventType,
		Source:     source,
		Payload: bus.FinOpsDetail{
			InstanceID: instance.ID,
			ProviderID: instance.ProviderID,
			Reason:     reason,
			Note:       note,
		},
	}
	if instance.ProviderInstanceID != nil {
		event.Payload.ProviderInstanceID = *instance.ProviderInstanceID
	}
	if err := e.publisher.PublishFinOps(ctx, event); err != nil {
		e.logger.Error("publishing finops event failed",
			zap.String("event_type", eventType),
			zap.String("instance_id", instance.ID),
			zap.Error(err))
		return fmt.Errorf("publishing %s for instance %s, %w", eventType, instance.ID, err)
	}
	return nil
}
