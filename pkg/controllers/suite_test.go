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

package controllers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
	"github.com/gpufleet/gpufleet/pkg/controllers"
	"github.com/gpufleet/gpufleet/pkg/fake"
)

func TestControllers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Controllers")
}

var (
	ctx       context.Context
	fakeClock *clocktesting.FakeClock
	recorder  *fake.Recorder
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	recorder = fake.NewRecorder()
})

func startStep() *controllers.Step {
	return controllers.StartStep(ctx, recorder, fakeClock, zap.NewNop(), actionlog.Start{
		ActionType: actionlog.ActionProviderCreate,
		Component:  "test",
		InstanceID: "inst-1",
	})
}

var _ = Describe("Step", func() {
	It("should record start and success with the measured duration", func() {
		step := startStep()
		fakeClock.Step(250 * time.Millisecond)
		step.Complete(ctx, nil)

		entries := recorder.Entries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Status).To(Equal(actionlog.StatusSuccess))
		Expect(entries[0].Duration).To(Equal(250 * time.Millisecond))
	})
	It("should record the error message on failure", func() {
		step := startStep()
		step.Complete(ctx, errors.New("quota exceeded"))

		entries := recorder.Entries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Status).To(Equal(actionlog.StatusFailed))
		Expect(entries[0].ErrorMessage).To(Equal("quota exceeded"))
	})
	It("should merge metadata into the completion", func() {
		step := startStep()
		step.CompleteWithMetadata(ctx, nil, map[string]any{"volume_id": "vol-1"})

		entries := recorder.Entries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Metadata).To(HaveKeyWithValue("volume_id", "vol-1"))
	})
	It("should complete at most once", func() {
		step := startStep()
		step.Complete(ctx, nil)
		step.Complete(ctx, errors.New("late failure"))

		entries := recorder.Entries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Status).To(Equal(actionlog.StatusSuccess))
	})
	It("should fail an abandoned entry with the reason", func() {
		step := startStep()
		step.Abandon(ctx, "shutting down")

		entries := recorder.Entries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Status).To(Equal(actionlog.StatusFailed))
		Expect(entries[0].ErrorMessage).To(Equal("shutting down"))
	})
	It("should abandon the entry as shutdown when the context is canceled", func() {
		step := startStep()
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		step.Complete(canceled, canceled.Err())

		entries := recorder.Entries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Status).To(Equal(actionlog.StatusFailed))
		Expect(entries[0].ErrorMessage).To(Equal(controllers.ReasonShutdown))
	})
	It("should not abandon entries whose call merely timed out", func() {
		step := startStep()
		step.Complete(ctx, context.DeadlineExceeded)

		entries := recorder.Entries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].ErrorMessage).To(Equal(context.DeadlineExceeded.Error()))
	})
	It("should degrade to a no-op when the start cannot be recorded", func() {
		recorder.StartErr = errors.New("database down")
		step := startStep()
		step.Complete(ctx, nil)
		Expect(recorder.Entries()).To(BeEmpty())
	})
})
