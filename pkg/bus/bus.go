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

// Package bus carries the two pub/sub channels linking the API tier, the
// orchestrator and FinOps: orchestrator command envelopes and FinOps domain
// events. Delivery is at-least-once (entries are acknowledged only after the
// handler returns nil), so every consumer must be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	StreamOrchestrator = "orchestrator_events"
	StreamFinOps       = "finops_events"

	payloadField = "payload"
	readBlock    = 5 * time.Second
	readCount    = 16
)

type CommandType string

const (
	CommandProvision CommandType = "CMD:PROVISION"
	CommandTerminate CommandType = "CMD:TERMINATE"
	CommandReinstall CommandType = "CMD:REINSTALL"
)

// Command is the envelope on orchestrator_events.
type Command struct {
	Type           CommandType `json:"type"`
	InstanceID     string      `json:"instance_id"`
	ProviderID     string      `json:"provider_id,omitempty"`
	ZoneID         string      `json:"zone_id,omitempty"`
	InstanceTypeID string      `json:"instance_type_id,omitempty"`
	ModelID        string      `json:"model_id,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
}

const (
	EventInstanceCostStart = "InstanceCostStart"
	EventInstanceCostStop  = "InstanceCostStop"
)

// FinOpsEvent is the envelope on finops_events. EventID makes replays
// deduplicable downstream.
type FinOpsEvent struct {
	EventID    string       `json:"event_id"`
	OccurredAt time.Time    `json:"occurred_at"`
	EventType  string       `json:"event_type"`
	Source     string       `json:"source"`
	Payload    FinOpsDetail `json:"payload"`
}

type FinOpsDetail struct {
	InstanceID         string `json:"instance_id"`
	ProviderID         string `json:"provider_id"`
	ProviderInstanceID string `json:"provider_instance_id,omitempty"`
	Reason             string `json:"reason,omitempty"`
	Note               string `json:"note,omitempty"`
}

// CommandPublisher is the write side used by the API tier and reconciliation.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd Command) error
}

// FinOpsPublisher is the write side used by the cost event emitter.
type FinOpsPublisher interface {
	PublishFinOps(ctx context.Context, event FinOpsEvent) error
}

// Bus is the Redis-streams implementation of both channels.
type Bus struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

func New(rdb redis.UniversalClient, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger.Named("bus")}
}

func (b *Bus) PublishCommand(ctx context.Context, cmd Command) error {
	return b.publish(ctx, StreamOrchestrator, cmd)
}

func (b *Bus) PublishFinOps(ctx context.Context, event FinOpsEvent) error {
	return b.publish(ctx, StreamFinOps, event)
}

func (b *Bus) publish(ctx context.Context, stream string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload, %w", stream, err)
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: string(encoded)},
	}).Err(); err != nil {
		return fmt.Errorf("publishing to %s, %w", stream, err)
	}
	return nil
}

// ConsumeCommands blocks until ctx is done, delivering each command envelope
// to handler. Entries are acknowledged only when the handler returns nil;
// failed entries are redelivered on restart via the pending entries list.
func (b *Bus) ConsumeCommands(ctx context.Context, group, consumer string, handler func(context.Context, Command) error) error {
	return b.consume(ctx, StreamOrchestrator, group, consumer, func(ctx context.Context, raw []byte) error {
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			// Poison entries are acked and dropped; they would otherwise
			// wedge the group forever.
			b.logger.Error("dropping undecodable command envelope", zap.Error(err))
			return nil
		}
		return handler(ctx, cmd)
	})
}

// ConsumeFinOps is the FinOps counterpart of ConsumeCommands.
func (b *Bus) ConsumeFinOps(ctx context.Context, group, consumer string, handler func(context.Context, FinOpsEvent) error) error {
	return b.consume(ctx, StreamFinOps, group, consumer, func(ctx context.Context, raw []byte) error {
		var event FinOpsEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			b.logger.Error("dropping undecodable finops envelope", zap.Error(err))
			return nil
		}
		return handler(ctx, event)
	})
}

func (b *Bus) consume(ctx context.Context, stream, group, consumer string, handler func(context.Context, []byte) error) error {
	if err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("creating consumer group %s on %s, %w", group, stream, err)
	}
	// Claim anything this consumer left pending in a previous life, then
	// follow new entries.
	cursor := "0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, cursor},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			cursor = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("bus read failed, retrying", zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		delivered := 0
		for _, str := range streams {
			delivered += len(str.Messages)
			for _, msg := range str.Messages {
				raw, _ := msg.Values[payloadField].(string)
				if err := handler(ctx, []byte(raw)); err != nil {
					b.logger.Error("command handler failed, leaving entry pending",
						zap.String("stream", stream), zap.String("entry_id", msg.ID), zap.Error(err))
					continue
				}
				if err := b.rdb.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					b.logger.Warn("acknowledging entry failed", zap.String("entry_id", msg.ID), zap.Error(err))
				}
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
