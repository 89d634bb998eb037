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

// Package operator bootstraps the process: logging, database, migrations,
// event bus, cloud adapters, and the manager that runs every controller.
package operator

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/gpufleet/gpufleet/migrations"
	"github.com/gpufleet/gpufleet/pkg/actionlog"
	"github.com/gpufleet/gpufleet/pkg/bus"
	"github.com/gpufleet/gpufleet/pkg/catalog"
	"github.com/gpufleet/gpufleet/pkg/controllers"
	"github.com/gpufleet/gpufleet/pkg/controllers/health"
	"github.com/gpufleet/gpufleet/pkg/controllers/provisioning"
	"github.com/gpufleet/gpufleet/pkg/controllers/reconciliation"
	"github.com/gpufleet/gpufleet/pkg/controllers/termination"
	"github.com/gpufleet/gpufleet/pkg/finops"
	"github.com/gpufleet/gpufleet/pkg/operator/options"
	"github.com/gpufleet/gpufleet/pkg/providers"
	"github.com/gpufleet/gpufleet/pkg/providers/mock"
	"github.com/gpufleet/gpufleet/pkg/providers/scaleway"
	"github.com/gpufleet/gpufleet/pkg/proxy"
	"github.com/gpufleet/gpufleet/pkg/routing"
	"github.com/gpufleet/gpufleet/pkg/state"
	"github.com/gpufleet/gpufleet/pkg/workerapi"
)

// Operator holds every wired component of the process.
type Operator struct {
	Options   *options.Options
	Logger    *zap.Logger
	DB        *sqlx.DB
	Bus       *bus.Bus
	Instances state.InstanceStore
	Volumes   state.VolumeStore
	Machine   state.Machine
	Catalog   catalog.Catalog
	Registry  *providers.Registry
	Recorder  actionlog.Recorder
	FinOps    *finops.Emitter
	Routing   *routing.Index
	Proxy     *proxy.Proxy
	WorkerAPI *workerapi.Server
	Clock     clock.Clock

	controllers []controllers.Controller
}

// NewOperator wires the process from options. It connects to Postgres and
// Redis and runs migrations; any failure here is fatal.
func NewOperator(ctx context.Context, opts *options.Options) (*Operator, error) {
	logger, err := newLogger(opts.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "pgx", opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres, %w", err)
	}
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("configuring migrations, %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "."); err != nil {
		return nil, fmt.Errorf("running migrations, %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis, %w", err)
	}

	clk := clock.RealClock{}
	eventBus := bus.New(rdb, logger)
	instances := state.NewPostgresInstanceStore(db)
	volumes := state.NewPostgresVolumeStore(db)
	machine := state.NewPostgresMachine(db, logger)
	cat := catalog.NewPostgresCatalog(db)
	recorder := actionlog.NewPostgresRecorder(db)
	emitter := finops.NewEmitter(eventBus, clk, logger)

	registry, err := buildRegistry(opts, logger)
	if err != nil {
		return nil, err
	}

	sshKey, err := os.ReadFile(opts.SSHPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading operator SSH key, %w", err)
	}
	bootstrapper, err := health.NewBootstrapper(opts.SSHUser, sshKey,
		opts.EnginePort, opts.HealthPort, opts.BootstrapTimeout, logger)
	if err != nil {
		return nil, err
	}

	index := routing.NewIndex(instances, cat, opts.StalenessHorizon, logger)

	op := &Operator{
		Options:   opts,
		Logger:    logger,
		DB:        db,
		Bus:       eventBus,
		Instances: instances,
		Volumes:   volumes,
		Machine:   machine,
		Catalog:   cat,
		Registry:  registry,
		Recorder:  recorder,
		FinOps:    emitter,
		Routing:   index,
		Proxy:     proxy.New(index, recorder, clk, logger),
		WorkerAPI: workerapi.NewServer(instances, opts.OperatorToken, clk, logger),
		Clock:     clk,
	}
	op.controllers = []controllers.Controller{
		provisioning.NewController(eventBus, instances, volumes, machine, cat, registry,
			recorder, emitter, clk, provisioning.Config{
				OperatorSSHPublicKey: opts.SSHPublicKey,
				WorkerEligibleGlobs:  opts.WorkerEligibleGlobs(),
				AutoInstall:          opts.AutoInstall,
				DefaultDataVolumeGB:  opts.DefaultDataVolumeGB,
				EnginePort:           opts.EnginePort,
				HealthPort:           opts.HealthPort,
			}, logger),
		termination.NewController(eventBus, instances, volumes, machine, cat, registry,
			recorder, emitter, clk, logger),
		health.NewController(instances, machine, cat, recorder, bootstrapper, clk,
			health.Config{
				ProbeInterval:       opts.ProbeInterval,
				WorkerEligibleGlobs: opts.WorkerEligibleGlobs(),
				WorkerDeadline:      opts.WorkerDeadline,
				DefaultDeadline:     opts.DefaultDeadline,
				BootstrapTimeout:    opts.BootstrapTimeout,
				WarmupEnabled:       opts.WarmupEnabled,
				EnginePort:          opts.EnginePort,
				HealthPort:          opts.HealthPort,
			}, logger),
		reconciliation.NewController(instances, volumes, machine, cat, registry,
			recorder, emitter, clk, logger),
	}
	return op, nil
}

func buildRegistry(opts *options.Options, logger *zap.Logger) (*providers.Registry, error) {
	var adapters []providers.CloudProvider
	if opts.ScalewayAuthToken != "" {
		adapters = append(adapters, scaleway.NewProvider(scaleway.Options{
			BaseURL: opts.ScalewayAPIURL,
			Token:   opts.ScalewayAuthToken,
		}, logger))
	}
	if opts.EnableMockCloud {
		adapters = append(adapters, mock.NewProvider())
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no cloud adapters configured")
	}
	return providers.NewRegistry(adapters...), nil
}

func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if err := config.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level %q, %w", level, err)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger, %w", err)
	}
	return logger, nil
}
