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

package state_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	fleeterrors "github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/state"
)

func TestState(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "State")
}

var (
	ctx     context.Context
	db      *sqlx.DB
	mock    sqlmock.Sqlmock
	store   *state.PostgresInstanceStore
	volumes *state.PostgresVolumeStore
	machine *state.PostgresMachine
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	var err error
	var raw *sql.DB
	raw, mock, err = sqlmock.New()
	Expect(err).ToNot(HaveOccurred())
	db = sqlx.NewDb(raw, "sqlmock")
	store = state.NewPostgresInstanceStore(db)
	volumes = state.NewPostgresVolumeStore(db)
	machine = state.NewPostgresMachine(db, zap.NewNop())
})

var _ = AfterEach(func() {
	Expect(mock.ExpectationsWereMet()).To(Succeed())
	mock.ExpectClose()
	Expect(db.Close()).To(Succeed())
})

// instanceRow builds a result row with the columns the tests care about.
func instanceRow(id string, status v1.InstanceStatus, providerInstanceID *string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "provider_id", "zone_id", "instance_type_id", "model_id", "status",
		"provider_instance_id", "created_at", "health_check_failures",
	}).AddRow(id, "prov-1", "zone-1", "type-1", "model-1", string(status),
		providerInstanceID, time.Now().UTC(), 0)
}

func lockQuery() *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(regexp.QuoteMeta(`FROM instances WHERE id = $1 FOR UPDATE`))
}

var _ = Describe("PostgresInstanceStore", func() {
	It("should map a row onto the instance struct", func() {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM instances WHERE id = $1`)).
			WithArgs("inst-1").
			WillReturnRows(instanceRow("inst-1", v1.InstanceStatusReady, lo.ToPtr("scw-1")))

		got, err := store.Get(ctx, "inst-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.ID).To(Equal("inst-1"))
		Expect(got.Status).To(Equal(v1.InstanceStatusReady))
		Expect(lo.FromPtr(got.ProviderInstanceID)).To(Equal("scw-1"))
	})
	It("should return the typed miss on an unknown id", func() {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM instances WHERE id = $1`)).
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := store.Get(ctx, "ghost")
		Expect(state.IsNotFound(err)).To(BeTrue())
	})
	It("should refuse overwriting an existing provider instance id", func() {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE instances SET provider_instance_id = $2`)).
			WithArgs("inst-1", "scw-other").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.SetProviderInstanceID(ctx, "inst-1", "scw-other")
		Expect(err).To(MatchError(ContainSubstring("already has a different provider_instance_id")))
	})
	It("should report a miss when a heartbeat targets an unknown instance", func() {
		mock.ExpectExec(regexp.QuoteMeta(`worker_status`)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.UpdateWorkerRuntime(ctx, "ghost", state.WorkerRuntimeUpdate{
			Status: lo.ToPtr(v1.WorkerStatusReady),
		})
		Expect(state.IsNotFound(err)).To(BeTrue())
	})
	It("should claim stuck terminating rows by update", func() {
		cutoff := time.Now().Add(-5 * time.Minute)
		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE instances SET last_reconciliation = now()`)).
			WithArgs(cutoff, 50).
			WillReturnRows(instanceRow("inst-1", v1.InstanceStatusTerminating, lo.ToPtr("scw-1")))

		claimed, err := store.ClaimTerminatingStuck(ctx, cutoff, 50)
		Expect(err).ToNot(HaveOccurred())
		Expect(claimed).To(HaveLen(1))
		Expect(claimed[0].ID).To(Equal("inst-1"))
	})
})

var _ = Describe("PostgresVolumeStore", func() {
	It("should claim failed delete-on-terminate volumes for retry", func() {
		cutoff := time.Now().Add(-5 * time.Minute)
		mock.ExpectQuery(regexp.QuoteMeta(`(status = 'deleted' OR (status = 'failed' AND delete_on_terminate))`)).
			WithArgs(cutoff, 50).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "instance_id", "provider_volume_id", "zone_id", "volume_type",
				"size_bytes", "is_boot", "status", "delete_on_terminate", "created_at",
			}).AddRow("vol-1", "inst-1", "scw-vol-1", "zone-1", "b_ssd",
				int64(20)<<30, false, string(v1.VolumeStatusFailed), true, time.Now().UTC()))

		claimed, err := volumes.ClaimUnreconciled(ctx, cutoff, 50)
		Expect(err).ToNot(HaveOccurred())
		Expect(claimed).To(HaveLen(1))
		Expect(claimed[0].ID).To(Equal("vol-1"))
		Expect(claimed[0].Status).To(Equal(v1.VolumeStatusFailed))
	})
})

var _ = Describe("PostgresMachine", func() {
	It("should let a racing terminate win over the booting transition", func() {
		mock.ExpectBegin()
		lockQuery().WillReturnRows(instanceRow("inst-1", v1.InstanceStatusTerminating, nil))
		mock.ExpectCommit()

		Expect(machine.TransitionToBooting(ctx, "inst-1", "scw-1", nil)).To(Succeed())
	})
	It("should refuse ready from a non-booting phase", func() {
		mock.ExpectBegin()
		lockQuery().WillReturnRows(instanceRow("inst-1", v1.InstanceStatusProvisioning, nil))
		mock.ExpectRollback()

		err := machine.TransitionToReady(ctx, "inst-1", "test")
		Expect(state.IsIllegalTransition(err)).To(BeTrue())
	})
	It("should treat a replayed terminated transition as a no-op", func() {
		mock.ExpectBegin()
		lockQuery().WillReturnRows(instanceRow("inst-1", v1.InstanceStatusTerminated, lo.ToPtr("scw-1")))
		mock.ExpectCommit()

		Expect(machine.TransitionToTerminated(ctx, "inst-1", lo.ToPtr("requested"), true)).To(Succeed())
	})
	It("should refuse unconfirmed terminated while a provider resource exists", func() {
		mock.ExpectBegin()
		lockQuery().WillReturnRows(instanceRow("inst-1", v1.InstanceStatusTerminating, lo.ToPtr("scw-1")))
		mock.ExpectRollback()

		err := machine.TransitionToTerminated(ctx, "inst-1", lo.ToPtr("requested"), false)
		Expect(err).To(MatchError(ContainSubstring("without provider-confirmed deletion")))
	})
	It("should fail startup once the failure counter crosses the threshold", func() {
		mock.ExpectBegin()
		lockQuery().WillReturnRows(instanceRow("inst-1", v1.InstanceStatusBooting, lo.ToPtr("scw-1")))
		mock.ExpectQuery(regexp.QuoteMeta(`health_check_failures = health_check_failures + $2`)).
			WithArgs("inst-1", 1).
			WillReturnRows(sqlmock.NewRows([]string{"health_check_failures"}).
				AddRow(state.HealthFailureThreshold))
		mock.ExpectExec(regexp.QuoteMeta(`status = 'startup_failed'`)).
			WithArgs("inst-1", fleeterrors.CodeHealthCheckFailed, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		count, err := machine.BumpHealthFailures(ctx, "inst-1", 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(state.HealthFailureThreshold))
	})
	It("should not trip startup_failed for instances already ready", func() {
		mock.ExpectBegin()
		lockQuery().WillReturnRows(instanceRow("inst-1", v1.InstanceStatusReady, lo.ToPtr("scw-1")))
		mock.ExpectQuery(regexp.QuoteMeta(`health_check_failures = health_check_failures + $2`)).
			WithArgs("inst-1", 1).
			WillReturnRows(sqlmock.NewRows([]string{"health_check_failures"}).
				AddRow(state.HealthFailureThreshold + 3))
		mock.ExpectCommit()

		count, err := machine.BumpHealthFailures(ctx, "inst-1", 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(state.HealthFailureThreshold + 3))
	})
})
