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
	"sync"

	"github.com/gpufleet/gpufleet/pkg/bus"
)

// Publisher captures published commands and FinOps events.
type Publisher struct {
	mu       sync.Mutex
	commands []bus.Command
	finops   []bus.FinOpsEvent

	// Err, when set, fails every publish.
	Err error
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) PublishCommand(_ context.Context, cmd bus.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.commands = append(p.commands, cmd)
	return nil
}

func (p *Publisher) PublishFinOps(_ context.Context, event bus.FinOpsEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.finops = append(p.finops, event)
	return nil
}

func (p *Publisher) Commands() []bus.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Command{}, p.commands...)
}

func (p *Publisher) FinOpsEvents() []bus.FinOpsEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.FinOpsEvent{}, p.finops...)
}
