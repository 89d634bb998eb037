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

package health

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"go.uber.org/zap"
)

const (
	phaseMarker = "::phase::"
	tailBytes   = 4 << 10
)

// BootstrapResult carries what the script reported: the ::phase:: markers it
// printed plus bounded output tails for the action-log metadata.
type BootstrapResult struct {
	Phases     []string
	StdoutTail string
	StderrTail string
}

func (r BootstrapResult) LastPhase() string {
	if len(r.Phases) == 0 {
		return ""
	}
	return r.Phases[len(r.Phases)-1]
}

// BootstrapRunner installs the serving stack on a worker VM. The modelID is
// the served model path the engine is launched with.
type BootstrapRunner interface {
	Run(ctx context.Context, address, modelID string) (BootstrapResult, error)
}

// Bootstrapper uploads and runs the install script over SSH with operator
// key authentication.
type Bootstrapper struct {
	user       string
	signer     ssh.Signer
	enginePort int
	healthPort int
	timeout    time.Duration
	logger     *zap.Logger
}

func NewBootstrapper(user string, privateKeyPEM []byte, enginePort, healthPort int,
	timeout time.Duration, logger *zap.Logger) (*Bootstrapper, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing operator SSH key, %w", err)
	}
	return &Bootstrapper{
		user:       user,
		signer:     signer,
		enginePort: enginePort,
		healthPort: healthPort,
		timeout:    timeout,
		logger:     logger.Named("bootstrap"),
	}, nil
}

// Run executes the bootstrap script on the target VM. The whole exchange is
// bounded by the configured timeout.
func (b *Bootstrapper) Run(ctx context.Context, address, modelID string) (BootstrapResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	config := &ssh.ClientConfig{
		User:            b.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // freshly provisioned VMs have no known host key
		Timeout:         sshDialTimeout,
	}
	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, "22"))
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("dialing %s, %w", address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return BootstrapResult{}, fmt.Errorf("ssh handshake with %s, %w", address, err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("opening ssh session, %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = strings.NewReader(bootstrapScript)

	b.logger.Info("running bootstrap", zap.String("address", address), zap.String("model_id", modelID))
	runErr := session.Run(bootstrapCommand(modelID, b.enginePort, b.healthPort))

	result := BootstrapResult{
		Phases:     parsePhases(stdout.String()),
		StdoutTail: tail(stdout.String()),
		StderrTail: tail(stderr.String()),
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("bootstrap timed out after %s, %w", b.timeout, ctx.Err())
	}
	if runErr != nil {
		return result, fmt.Errorf("bootstrap script failed at phase %q, %w", result.LastPhase(), runErr)
	}
	return result, nil
}

// bootstrapCommand feeds the script its inputs through the environment; the
// engine and health ports must match what the prober later checks.
func bootstrapCommand(modelID string, enginePort, healthPort int) string {
	return fmt.Sprintf("sudo env GPUFLEET_MODEL_ID=%q GPUFLEET_ENGINE_PORT=%d GPUFLEET_HEALTH_PORT=%d bash -s",
		modelID, enginePort, healthPort)
}

func parsePhases(stdout string) []string {
	var phases []string
	for _, line := range strings.Split(stdout, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), phaseMarker); ok {
			phases = append(phases, rest)
		}
	}
	return phases
}

func tail(s string) string {
	if len(s) <= tailBytes {
		return s
	}
	return s[len(s)-tailBytes:]
}
