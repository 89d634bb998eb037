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

package providers

import (
	"fmt"

	"github.com/samber/lo"
)

// MockProviderCode marks the in-process adapter; the health prober
// short-circuits instances on it straight to ready.
const MockProviderCode = "mock"

// Registry resolves a catalog provider code to its adapter. The set is fixed
// at process start.
type Registry struct {
	providers map[string]CloudProvider
}

func NewRegistry(providers ...CloudProvider) *Registry {
	return &Registry{providers: lo.SliceToMap(providers, func(p CloudProvider) (string, CloudProvider) {
		return p.Code(), p
	})}
}

func (r *Registry) Get(code string) (CloudProvider, error) {
	p, ok := r.providers[code]
	if !ok {
		return nil, fmt.Errorf("no cloud provider adapter registered for code %q", code)
	}
	return p, nil
}
