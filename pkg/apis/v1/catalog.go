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

package v1

// Catalog rows are read-only inputs to the core. CRUD on them belongs to the
// API tier and is out of scope here.

type Provider struct {
	ID       string `db:"id"`
	Code     string `db:"code"`
	Name     string `db:"name"`
	IsActive bool   `db:"is_active"`
}

type Region struct {
	ID         string `db:"id"`
	ProviderID string `db:"provider_id"`
	Code       string `db:"code"`
	Name       string `db:"name"`
	IsActive   bool   `db:"is_active"`
}

type Zone struct {
	ID       string `db:"id"`
	RegionID string `db:"region_id"`
	Code     string `db:"code"`
	Name     string `db:"name"`
	IsActive bool   `db:"is_active"`
	// ProviderID is denormalized through the region join on reads.
	ProviderID string `db:"provider_id"`
}

type InstanceType struct {
	ID               string  `db:"id"`
	ProviderID       string  `db:"provider_id"`
	Code             string  `db:"code"`
	Name             string  `db:"name"`
	GPUCount         int     `db:"gpu_count"`
	VRAMPerGPUGB     int     `db:"vram_per_gpu_gb"`
	CPUCount         int     `db:"cpu_count"`
	RAMGB            int     `db:"ram_gb"`
	CostPerHour      float64 `db:"cost_per_hour"`
	AllocationParams []byte  `db:"allocation_params"`
	BootImageID      *string `db:"boot_image_id"`
	IsActive         bool    `db:"is_active"`
}

// TotalVRAMGB is the catalog-side capacity used for the model fit check.
func (t InstanceType) TotalVRAMGB() int {
	return t.GPUCount * t.VRAMPerGPUGB
}

type Model struct {
	ID             string `db:"id"`
	ModelID        string `db:"model_id"` // HF path, e.g. Qwen/Qwen2.5-0.5B-Instruct
	RequiredVRAMGB int    `db:"required_vram_gb"`
	ContextLength  int    `db:"context_length"`
	DataVolumeGB   int    `db:"data_volume_gb"`
	IsActive       bool   `db:"is_active"`
}
