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

// Package routing maps a requested model to one ready worker. The index has
// no cache: every request re-queries the routable set, so invalidation is
// implicit.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/catalog"
	"github.com/gpufleet/gpufleet/pkg/metrics"
	"github.com/gpufleet/gpufleet/pkg/state"
)

// ErrNoReadyWorker is the structured miss signal; the proxy maps it to its
// no_ready_worker response.
var ErrNoReadyWorker = errors.New("no ready worker for model")

// Target is one routable worker.
type Target struct {
	InstanceID string
	ModelID    string
	BaseURL    string
}

// Index selects a ready worker for a model.
type Index struct {
	instances state.InstanceStore
	catalog   catalog.Catalog
	// horizon is the staleness bound on the freshness signals.
	horizon    time.Duration
	roundRobin atomic.Uint64
	logger     *zap.Logger
}

func NewIndex(instances state.InstanceStore, cat catalog.Catalog, horizon time.Duration, logger *zap.Logger) *Index {
	return &Index{
		instances: instances,
		catalog:   cat,
		horizon:   horizon,
		logger:    logger.Named("routing"),
	}
}

// Pick returns one ready worker serving the model. modelName may be empty
// (policy default applies) or an HF path; stickyKey pins successive requests
// of a session to the same worker. The per-model request counter increments
// once per attempt, hit or miss.
func (i *Index) Pick(ctx context.Context, modelName, stickyKey string) (*Target, error) {
	model, err := i.resolveModel(ctx, modelName)
	if err != nil {
		metrics.RoutingRequests.WithLabelValues(modelName, "unknown_model").Inc()
		return nil, err
	}

	candidates, err := i.instances.ListRoutable(ctx, model.ID, i.horizon)
	if err != nil {
		metrics.RoutingRequests.WithLabelValues(model.ModelID, "error").Inc()
		return nil, fmt.Errorf("querying routable workers for %s, %w", model.ModelID, err)
	}
	candidates = lo.Filter(candidates, func(instance *v1.Instance, _ int) bool {
		return instance.BaseURL() != ""
	})
	if len(candidates) == 0 {
		metrics.RoutingRequests.WithLabelValues(model.ModelID, "no_ready_worker").Inc()
		return nil, fmt.Errorf("%w %s", ErrNoReadyWorker, model.ModelID)
	}
	// Deterministic order so the sticky hash is stable across processes.
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].ID < candidates[b].ID })

	chosen := i.choose(candidates, stickyKey)
	metrics.RoutingRequests.WithLabelValues(model.ModelID, "routed").Inc()
	return &Target{
		InstanceID: chosen.ID,
		ModelID:    model.ModelID,
		BaseURL:    chosen.BaseURL(),
	}, nil
}

func (i *Index) resolveModel(ctx context.Context, modelName string) (*v1.Model, error) {
	if modelName == "" {
		model, err := i.catalog.DefaultModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving default model, %w", err)
		}
		return model, nil
	}
	model, err := i.catalog.ModelByName(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("resolving model %q, %w", modelName, err)
	}
	return model, nil
}

// choose applies the selection rules: sticky hash when a session key is
// given, else round-robin, falling back to least queue depth when workers
// report load.
func (i *Index) choose(candidates []*v1.Instance, stickyKey string) *v1.Instance {
	if stickyKey != "" {
		hash, err := hashstructure.Hash(stickyKey, hashstructure.FormatV2, nil)
		if err == nil {
			return candidates[hash%uint64(len(candidates))]
		}
		i.logger.Warn("sticky key hashing failed, falling back to round-robin", zap.Error(err))
	}
	reporting := lo.Filter(candidates, func(instance *v1.Instance, _ int) bool {
		return instance.WorkerQueueDepth != nil
	})
	if len(reporting) == len(candidates) && len(reporting) > 0 {
		return lo.MinBy(reporting, func(a, b *v1.Instance) bool {
			return *a.WorkerQueueDepth < *b.WorkerQueueDepth
		})
	}
	return candidates[i.roundRobin.Add(1)%uint64(len(candidates))]
}
