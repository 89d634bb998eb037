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

// Package options parses the controller's configuration from flags with
// environment variable fallbacks.
package options

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/gpufleet/gpufleet/pkg/utils/env"
)

// Options is the immutable process configuration.
type Options struct {
	*flag.FlagSet

	// Stores and bus.
	DatabaseURL string
	RedisAddr   string

	// Listeners.
	ProxyAddr     string
	WorkerAPIAddr string
	MetricsAddr   string

	// Secrets.
	OperatorToken     string
	SSHPrivateKeyFile string
	SSHPublicKey      string
	SSHUser           string

	// Scaleway adapter.
	ScalewayAPIURL    string
	ScalewayAuthToken string
	EnableMockCloud   bool

	// Provisioning.
	WorkerEligibleTypes string // comma-separated globs
	AutoInstall         bool
	DefaultDataVolumeGB int
	EnginePort          int
	HealthPort          int

	// Health prober.
	ProbeInterval    time.Duration
	WorkerDeadline   time.Duration
	DefaultDeadline  time.Duration
	BootstrapTimeout time.Duration
	WarmupEnabled    bool

	// Routing.
	StalenessHorizon time.Duration

	LogLevel string
}

func New() *Options {
	opts := &Options{}
	fs := flag.NewFlagSet("gpufleet", flag.ContinueOnError)
	opts.FlagSet = fs

	fs.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("GPUFLEET_DATABASE_URL", ""), "Postgres connection URL.")
	fs.StringVar(&opts.RedisAddr, "redis-addr", env.WithDefaultString("GPUFLEET_REDIS_ADDR", "localhost:6379"), "Redis address for the event bus.")

	fs.StringVar(&opts.ProxyAddr, "proxy-addr", env.WithDefaultString("GPUFLEET_PROXY_ADDR", ":8081"), "Listen address for the inference proxy.")
	fs.StringVar(&opts.WorkerAPIAddr, "worker-api-addr", env.WithDefaultString("GPUFLEET_WORKER_API_ADDR", ":8082"), "Listen address for the worker heartbeat API.")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", env.WithDefaultString("GPUFLEET_METRICS_ADDR", ":9090"), "Listen address for prometheus metrics.")

	fs.StringVar(&opts.OperatorToken, "operator-token", env.WithDefaultString("GPUFLEET_OPERATOR_TOKEN", ""), "Shared token the on-VM agents authenticate with.")
	fs.StringVar(&opts.SSHPrivateKeyFile, "ssh-private-key-file", env.WithDefaultString("GPUFLEET_SSH_PRIVATE_KEY_FILE", ""), "Path to the operator SSH private key used by the bootstrap.")
	fs.StringVar(&opts.SSHPublicKey, "ssh-public-key", env.WithDefaultString("GPUFLEET_SSH_PUBLIC_KEY", ""), "Operator SSH public key authorized on every VM.")
	fs.StringVar(&opts.SSHUser, "ssh-user", env.WithDefaultString("GPUFLEET_SSH_USER", "root"), "SSH user for the bootstrap.")

	fs.StringVar(&opts.ScalewayAPIURL, "scaleway-api-url", env.WithDefaultString("GPUFLEET_SCALEWAY_API_URL", "https://api.scaleway.com/instance/v1"), "Scaleway instance API base URL.")
	fs.StringVar(&opts.ScalewayAuthToken, "scaleway-auth-token", env.WithDefaultString("GPUFLEET_SCALEWAY_AUTH_TOKEN", ""), "Scaleway API token.")
	fs.BoolVar(&opts.EnableMockCloud, "enable-mock-cloud", env.WithDefaultBool("GPUFLEET_ENABLE_MOCK_CLOUD", false), "Register the in-process mock cloud adapter.")

	fs.StringVar(&opts.WorkerEligibleTypes, "worker-eligible-types", env.WithDefaultString("GPUFLEET_WORKER_ELIGIBLE_TYPES", "L4-*,L40S-*,H100-*,RENDER-*"), "Comma-separated instance-type code globs that receive the engine bootstrap.")
	fs.BoolVar(&opts.AutoInstall, "auto-install", env.WithDefaultBool("GPUFLEET_AUTO_INSTALL", true), "Install the serving stack via cloud-init on worker-eligible types.")
	fs.IntVar(&opts.DefaultDataVolumeGB, "default-data-volume-gb", env.WithDefaultInt("GPUFLEET_DEFAULT_DATA_VOLUME_GB", 50), "Data volume size when the model records none; 0 disables.")
	fs.IntVar(&opts.EnginePort, "engine-port", env.WithDefaultInt("GPUFLEET_ENGINE_PORT", 8000), "Inference engine port on workers.")
	fs.IntVar(&opts.HealthPort, "health-port", env.WithDefaultInt("GPUFLEET_HEALTH_PORT", 8080), "Agent health port on workers.")

	fs.DurationVar(&opts.ProbeInterval, "probe-interval", env.WithDefaultDuration("GPUFLEET_PROBE_INTERVAL", 15*time.Second), "Health prober pass interval.")
	fs.DurationVar(&opts.WorkerDeadline, "worker-startup-deadline", env.WithDefaultDuration("GPUFLEET_WORKER_STARTUP_DEADLINE", 1200*time.Second), "Startup deadline for worker-eligible types.")
	fs.DurationVar(&opts.DefaultDeadline, "startup-deadline", env.WithDefaultDuration("GPUFLEET_STARTUP_DEADLINE", 300*time.Second), "Startup deadline for everything else.")
	fs.DurationVar(&opts.BootstrapTimeout, "bootstrap-timeout", env.WithDefaultDuration("GPUFLEET_BOOTSTRAP_TIMEOUT", 900*time.Second), "SSH bootstrap script timeout.")
	fs.BoolVar(&opts.WarmupEnabled, "warmup", env.WithDefaultBool("GPUFLEET_WARMUP", true), "Issue a 1-token warmup request before marking workers ready.")

	fs.DurationVar(&opts.StalenessHorizon, "staleness-horizon", env.WithDefaultDuration("GPUFLEET_STALENESS_HORIZON", 3*time.Minute), "Freshness bound for routable workers.")

	fs.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("GPUFLEET_LOG_LEVEL", "info"), "Zap log level.")
	return opts
}

func (o *Options) MustParse(args ...string) *Options {
	if err := o.Parse(args...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return o
}

func (o *Options) Parse(args ...string) error {
	if err := o.FlagSet.Parse(args); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("validating options, %w", err)
	}
	return nil
}

func (o *Options) Validate() error {
	var errs error
	if o.DatabaseURL == "" {
		errs = multierr.Append(errs, fmt.Errorf("database-url is required"))
	}
	if o.RedisAddr == "" {
		errs = multierr.Append(errs, fmt.Errorf("redis-addr is required"))
	}
	if o.OperatorToken == "" {
		errs = multierr.Append(errs, fmt.Errorf("operator-token is required"))
	}
	if !o.EnableMockCloud && o.ScalewayAuthToken == "" {
		errs = multierr.Append(errs, fmt.Errorf("scaleway-auth-token is required unless the mock cloud is enabled"))
	}
	if o.SSHPrivateKeyFile == "" {
		errs = multierr.Append(errs, fmt.Errorf("ssh-private-key-file is required"))
	}
	if o.SSHPublicKey == "" {
		errs = multierr.Append(errs, fmt.Errorf("ssh-public-key is required"))
	}
	if len(o.WorkerEligibleGlobs()) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("worker-eligible-types must name at least one glob"))
	}
	if o.StalenessHorizon <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("staleness-horizon must be positive"))
	}
	return errs
}

// WorkerEligibleGlobs splits the configured glob list.
func (o *Options) WorkerEligibleGlobs() []string {
	var globs []string
	for _, glob := range strings.Split(o.WorkerEligibleTypes, ",") {
		if glob = strings.TrimSpace(glob); glob != "" {
			globs = append(globs, glob)
		}
	}
	return globs
}
