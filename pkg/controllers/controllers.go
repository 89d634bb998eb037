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

// Package controllers defines the long-running workers of the control plane
// and the shared action-log step plumbing they record their remote calls
// with.
package controllers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
)

// Controller is a named long-running worker. Start blocks until ctx is done;
// the operator manager runs each controller in its own goroutine and treats
// an early error return as fatal.
type Controller interface {
	Name() string
	Start(ctx context.Context) error
}

// Step wraps one action-log entry around a remote call: started on creation,
// completed exactly once. A step that failed to record its start degrades to
// a no-op rather than failing the pipeline.
type Step struct {
	recorder  actionlog.Recorder
	clock     clock.Clock
	logger    *zap.Logger
	entryID   string
	startedAt time.Time
	done      bool
}

// StartStep opens an in_progress action-log entry. Recording failures are
// logged and swallowed; the audit trail must never block the pipeline.
func StartStep(ctx context.Context, recorder actionlog.Recorder, clk clock.Clock, logger *zap.Logger, start actionlog.Start) *Step {
	step := &Step{recorder: recorder, clock: clk, logger: logger, startedAt: clk.Now()}
	id, err := recorder.LogStart(ctx, start)
	if err != nil {
		logger.Warn("recording action start failed",
			zap.String("action_type", start.ActionType), zap.Error(err))
		return step
	}
	step.entryID = id
	return step
}

// ReasonShutdown closes entries whose work was cut short by process
// shutdown.
const ReasonShutdown = "shutdown"

// Complete finalizes the entry; the status follows err. A canceled context
// abandons the entry instead so shutdown never leaves it in_progress.
func (s *Step) Complete(ctx context.Context, err error) {
	s.CompleteWithMetadata(ctx, err, nil)
}

// CompleteWithMetadata finalizes the entry and merges structured metadata.
func (s *Step) CompleteWithMetadata(ctx context.Context, err error, metadata map[string]any) {
	if s.entryID == "" || s.done {
		return
	}
	if errors.Is(err, context.Canceled) {
		s.Abandon(ctx, ReasonShutdown)
		return
	}
	s.done = true
	status := actionlog.StatusSuccess
	errMsg := ""
	if err != nil {
		status = actionlog.StatusFailed
		errMsg = err.Error()
	}
	duration := s.clock.Since(s.startedAt)
	// The completion write must land even when the surrounding request is
	// already canceled.
	ctx = context.WithoutCancel(ctx)
	var completeErr error
	if metadata != nil {
		completeErr = s.recorder.LogCompleteWithMetadata(ctx, s.entryID, status, duration, errMsg, metadata)
	} else {
		completeErr = s.recorder.LogComplete(ctx, s.entryID, status, duration, errMsg)
	}
	if completeErr != nil {
		s.logger.Warn("recording action completion failed",
			zap.String("entry_id", s.entryID), zap.Error(completeErr))
	}
}

// Abandon completes a still-open entry as failed with the given reason so no
// entry is left in_progress forever.
func (s *Step) Abandon(ctx context.Context, reason string) {
	if s.entryID == "" || s.done {
		return
	}
	s.done = true
	ctx = context.WithoutCancel(ctx)
	if err := s.recorder.LogComplete(ctx, s.entryID, actionlog.StatusFailed, s.clock.Since(s.startedAt), reason); err != nil {
		s.logger.Warn("abandoning action entry failed", zap.String("entry_id", s.entryID), zap.Error(err))
	}
}
