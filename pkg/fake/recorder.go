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

package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
)

// RecordedAction is one captured action-log entry.
type RecordedAction struct {
	ID           string
	Start        actionlog.Start
	Status       actionlog.Status
	Duration     time.Duration
	ErrorMessage string
	Metadata     map[string]any
}

// Recorder is an in-memory actionlog.Recorder capturing entries for
// assertions.
type Recorder struct {
	mu      sync.Mutex
	entries []*RecordedAction

	// StartErr, when set, fails every LogStart; exercises the degraded
	// no-op step path.
	StartErr error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) LogStart(_ context.Context, start actionlog.Start) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return "", r.StartErr
	}
	entry := &RecordedAction{ID: uuid.NewString(), Start: start, Status: actionlog.StatusInProgress}
	r.entries = append(r.entries, entry)
	return entry.ID, nil
}

func (r *Recorder) LogComplete(_ context.Context, id string, status actionlog.Status, duration time.Duration, errMsg string) error {
	return r.complete(id, status, duration, errMsg, nil)
}

func (r *Recorder) LogCompleteWithMetadata(_ context.Context, id string, status actionlog.Status, duration time.Duration, errMsg string, metadata map[string]any) error {
	return r.complete(id, status, duration, errMsg, metadata)
}

func (r *Recorder) complete(id string, status actionlog.Status, duration time.Duration, errMsg string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.ID != id {
			continue
		}
		if entry.Status != actionlog.StatusInProgress {
			return fmt.Errorf("action log entry %s is already completed", id)
		}
		entry.Status = status
		entry.Duration = duration
		entry.ErrorMessage = errMsg
		if metadata != nil {
			entry.Metadata = metadata
		}
		return nil
	}
	return fmt.Errorf("action log entry %s not found", id)
}

// Entries returns a snapshot of everything recorded so far.
func (r *Recorder) Entries() []*RecordedAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*RecordedAction{}, r.entries...)
}

// ByType returns the recorded entries with the given action type.
func (r *Recorder) ByType(actionType string) []*RecordedAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Filter(r.entries, func(entry *RecordedAction, _ int) bool {
		return entry.Start.ActionType == actionType
	})
}
