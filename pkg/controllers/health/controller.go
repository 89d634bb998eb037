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

// Package health drives booting instances to ready (or startup_failed). The
// prober checks the agent's readyz endpoint, SSH reachability and, for
// worker-eligible types, that the engine actually serves the expected model;
// when a worker VM is SSH-reachable but not serving, it runs the bootstrap
// script over SSH.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/catalog"
	"github.com/gpufleet/gpufleet/pkg/controllers"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/metrics"
	"github.com/gpufleet/gpufleet/pkg/providers"
	"github.com/gpufleet/gpufleet/pkg/state"
)

const (
	component = "health"

	probeConnectTimeout = 2 * time.Second
	probeOverallTimeout = 3 * time.Second
	sshDialTimeout      = 3 * time.Second

	// Bootstrap replays within this window are suppressed; a bootstrap can
	// legitimately take minutes.
	bootstrapSuppression = 2 * time.Minute

	// Failure log lines are emitted at most once per instance per step per
	// minute; success lines once per instance per step.
	failureLogInterval = time.Minute

	maxProbeConcurrency = 8
)

// Config carries the prober knobs taken from operator options.
type Config struct {
	ProbeInterval       time.Duration
	WorkerEligibleGlobs []string
	// WorkerDeadline bounds bringup of worker-eligible types (engine image
	// pulls are slow); DefaultDeadline bounds everything else.
	WorkerDeadline   time.Duration
	DefaultDeadline  time.Duration
	BootstrapTimeout time.Duration
	WarmupEnabled    bool
	EnginePort       int
	HealthPort       int
	// SSHPort is the sshd port probed on worker VMs; 0 means 22.
	SSHPort int
}

type Controller struct {
	instances state.InstanceStore
	machine   state.Machine
	catalog   catalog.Catalog
	recorder  actionlog.Recorder
	bootstrap BootstrapRunner
	client    *http.Client
	// suppress gates bootstrap replays; logged dedupes step log lines.
	suppress *cache.Cache
	logged   *cache.Cache
	clock    clock.Clock
	config   Config
	logger   *zap.Logger
}

func NewController(instances state.InstanceStore, machine state.Machine, cat catalog.Catalog,
	recorder actionlog.Recorder, bootstrap BootstrapRunner, clk clock.Clock,
	config Config, logger *zap.Logger) *Controller {
	return &Controller{
		instances: instances,
		machine:   machine,
		catalog:   cat,
		recorder:  recorder,
		bootstrap: bootstrap,
		client: &http.Client{
			Timeout: probeOverallTimeout,
			Transport: &http.Transport{
				DialContext:       (&net.Dialer{Timeout: probeConnectTimeout}).DialContext,
				DisableKeepAlives: true,
			},
		},
		suppress: cache.New(bootstrapSuppression, 5*time.Minute),
		logged:   cache.New(failureLogInterval, 5*time.Minute),
		clock:    clk,
		config:   config,
		logger:   logger.Named(component),
	}
}

func (c *Controller) Name() string { return component }

func (c *Controller) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.config.ProbeInterval):
		}
		if err := c.ProbeAll(ctx); err != nil {
			c.logger.Error("probe pass failed", zap.Error(err))
		}
	}
}

// ProbeAll probes every booting-phase instance once.
func (c *Controller) ProbeAll(ctx context.Context) error {
	instances, err := c.instances.ListByStatus(ctx,
		v1.InstanceStatusBooting, v1.InstanceStatusInstalling, v1.InstanceStatusStarting)
	if err != nil {
		return fmt.Errorf("listing booting instances, %w", err)
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxProbeConcurrency)
	for _, instance := range instances {
		instance := instance
		group.Go(func() error {
			if err := c.probeOne(ctx, instance); err != nil {
				c.logger.Error("probe failed",
					zap.String("instance_id", instance.ID), zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

func (c *Controller) probeOne(ctx context.Context, instance *v1.Instance) error {
	log := c.logger.With(zap.String("instance_id", instance.ID))

	providerRow, err := c.catalog.Provider(ctx, instance.ProviderID)
	if err != nil {
		return fmt.Errorf("resolving provider, %w", err)
	}
	// The in-process mock runs nothing; it is ready the moment it boots.
	if providerRow.Code == providers.MockProviderCode {
		return c.markReady(ctx, instance, "mock provider")
	}

	if instance.PublicAddress == nil || *instance.PublicAddress == "" {
		return nil // no address yet, nothing to probe
	}

	instanceType, err := c.catalog.InstanceType(ctx, instance.InstanceTypeID)
	if err != nil {
		return fmt.Errorf("resolving instance type, %w", err)
	}
	workerEligible := catalog.WorkerEligible(instanceType.Code, c.config.WorkerEligibleGlobs)

	deadline := lo.Ternary(workerEligible, c.config.WorkerDeadline, c.config.DefaultDeadline)
	if c.clock.Since(instance.CreatedAt) > deadline {
		step := c.step(ctx, actionlog.ActionHealthCheck, instance.ID, map[string]any{"deadline_s": deadline.Seconds()})
		err := c.machine.TransitionToStartupFailed(ctx, instance.ID,
			fleeterrors.CodeStartupTimeout,
			fmt.Sprintf("instance not ready after %s", deadline))
		step.Complete(ctx, fmt.Errorf("startup deadline exceeded"))
		if state.IsIllegalTransition(err) {
			return nil
		}
		return err
	}

	readyzOK := c.probeReadyz(ctx, instance)
	c.logStep(log, instance.ID, "readyz", readyzOK)

	sshOK := c.probeSSHPort(*instance.PublicAddress)
	c.logStep(log, instance.ID, "ssh", sshOK)

	modelOK := false
	if workerEligible && readyzOK {
		modelOK = c.probeModel(ctx, instance)
		c.logStep(log, instance.ID, "model_loaded", modelOK)
	}

	passed := lo.Ternary(workerEligible, readyzOK && modelOK, readyzOK || sshOK)
	if passed {
		if workerEligible && c.config.WarmupEnabled {
			c.warmup(ctx, instance)
		}
		return c.markReady(ctx, instance, "probes passed")
	}

	// A worker VM that answers SSH but not the engine needs the bootstrap.
	// The failure counter is not bumped on this branch.
	if workerEligible && sshOK {
		if c.tryBootstrap(ctx, log, instance) {
			return nil
		}
	}

	count, err := c.machine.BumpHealthFailures(ctx, instance.ID, 1)
	if err != nil {
		return fmt.Errorf("bumping health failures, %w", err)
	}
	if count >= state.HealthFailureThreshold {
		log.Warn("instance failed startup after repeated probe failures", zap.Int("failures", count))
	}
	return c.instances.TouchHealthCheck(ctx, instance.ID, c.clock.Now().UTC())
}

func (c *Controller) markReady(ctx context.Context, instance *v1.Instance, note string) error {
	if err := c.machine.TransitionToReady(ctx, instance.ID, note); err != nil {
		if state.IsIllegalTransition(err) {
			return nil // terminate raced us
		}
		return err
	}
	now := c.clock.Now().UTC()
	update := state.WorkerRuntimeUpdate{
		Status:      lo.ToPtr(v1.WorkerStatusReady),
		HeartbeatAt: &now,
		HealthPort:  lo.ToPtr(c.config.HealthPort),
		EnginePort:  lo.ToPtr(c.config.EnginePort),
	}
	// worker_model_id carries the served model path, not the catalog row id.
	if instance.ModelID != "" {
		if model, err := c.catalog.Model(ctx, instance.ModelID); err == nil {
			update.ModelID = &model.ModelID
		}
	}
	if err := c.instances.UpdateWorkerRuntime(ctx, instance.ID, update); err != nil {
		return fmt.Errorf("persisting worker runtime on ready, %w", err)
	}
	return c.instances.TouchHealthCheck(ctx, instance.ID, now)
}

func (c *Controller) probeReadyz(ctx context.Context, instance *v1.Instance) bool {
	url := instance.HealthURL()
	if url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/readyz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Controller) probeSSHPort(address string) bool {
	port := lo.Ternary(c.config.SSHPort != 0, c.config.SSHPort, 22)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), sshDialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// probeModel checks the engine's /v1/models listing for the expected model
// id. The first success per instance records a WORKER_MODEL_LOADED entry.
func (c *Controller) probeModel(ctx context.Context, instance *v1.Instance) bool {
	model, err := c.catalog.Model(ctx, instance.ModelID)
	if err != nil {
		return false
	}
	base := instance.BaseURL()
	if base == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return false
	}
	loaded := lo.SomeBy(listing.Data, func(entry struct {
		ID string `json:"id"`
	}) bool {
		return entry.ID == model.ModelID
	})
	if loaded {
		key := "model_loaded_entry/" + instance.ID
		if err := c.logged.Add(key, true, cache.NoExpiration); err == nil {
			step := c.step(ctx, actionlog.ActionWorkerModelLoaded, instance.ID,
				map[string]any{"model_id": model.ModelID})
			step.Complete(ctx, nil)
		}
	}
	return loaded
}

// warmup issues a single 1-token completion to move the engine past cold
// start. Best effort; failures never block readiness.
func (c *Controller) warmup(ctx context.Context, instance *v1.Instance) {
	key := "warmup/" + instance.ID
	if err := c.logged.Add(key, true, cache.NoExpiration); err != nil {
		return // already warmed
	}
	model, err := c.catalog.Model(ctx, instance.ModelID)
	if err != nil {
		return
	}
	step := c.step(ctx, actionlog.ActionWorkerWarmup, instance.ID, map[string]any{"model_id": model.ModelID})
	body := fmt.Sprintf(`{"model":%q,"prompt":"Hi","max_tokens":1}`, model.ModelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		instance.BaseURL()+"/v1/completions", strings.NewReader(body))
	if err != nil {
		step.Complete(ctx, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		step.Complete(ctx, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		step.Complete(ctx, fmt.Errorf("warmup returned %d", resp.StatusCode))
		return
	}
	step.Complete(ctx, nil)
}

// tryBootstrap runs the SSH bootstrap unless one ran recently. Returns true
// when a bootstrap was attempted (the caller then skips the failure bump).
func (c *Controller) tryBootstrap(ctx context.Context, log *zap.Logger, instance *v1.Instance) bool {
	if c.bootstrap == nil {
		return false
	}
	// The engine must be launched with the served model path; the row's
	// model_id is the catalog reference.
	model, err := c.catalog.Model(ctx, instance.ModelID)
	if err != nil {
		log.Warn("cannot resolve model for bootstrap", zap.Error(err))
		return false
	}
	key := "bootstrap/" + instance.ID
	if err := c.suppress.Add(key, true, c.config.BootstrapTimeout); err != nil {
		return true // one ran within the suppression window; still no bump
	}
	step := c.step(ctx, actionlog.ActionSSHBootstrap, instance.ID, map[string]any{
		"address": *instance.PublicAddress, "model_id": model.ModelID,
	})
	result, err := c.bootstrap.Run(ctx, *instance.PublicAddress, model.ModelID)
	step.CompleteWithMetadata(ctx, err, map[string]any{
		"phases":      result.Phases,
		"last_phase":  result.LastPhase(),
		"stdout_tail": result.StdoutTail,
		"stderr_tail": result.StderrTail,
	})
	// Suppression shrinks to the steady-state window once the run finished.
	c.suppress.Set(key, true, bootstrapSuppression)
	if err != nil {
		log.Warn("ssh bootstrap failed", zap.Error(err))
	} else {
		log.Info("ssh bootstrap completed", zap.Strings("phases", result.Phases))
	}
	return true
}

// logStep counts the step outcome and logs it once per success and at most
// once per minute on failure, keyed per instance and step.
func (c *Controller) logStep(log *zap.Logger, instanceID, step string, ok bool) {
	metrics.ProbeResults.WithLabelValues(step, lo.Ternary(ok, "pass", "fail")).Inc()
	if ok {
		if err := c.logged.Add("ok/"+instanceID+"/"+step, true, cache.NoExpiration); err == nil {
			log.Info("probe step passed", zap.String("step", step))
		}
		return
	}
	if err := c.logged.Add("fail/"+instanceID+"/"+step, true, failureLogInterval); err == nil {
		log.Info("probe step failing", zap.String("step", step))
	}
}

func (c *Controller) step(ctx context.Context, actionType, instanceID string, request map[string]any) *controllers.Step {
	return controllers.StartStep(ctx, c.recorder, c.clock, c.logger, actionlog.Start{
		ActionType: actionType,
		Component:  component,
		InstanceID: instanceID,
		Request:    request,
	})
}
