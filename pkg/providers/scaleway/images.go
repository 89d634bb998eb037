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

package scaleway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/providers"
)

// disklessFamilies are the GPU instance families that ship no root disk and
// therefore require a diskless-compatible boot image.
var disklessFamilies = []string{"L4", "L40S", "H100", "RENDER"}

type image struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Arch         string    `json:"arch"`
	State        string    `json:"state"`
	CreationDate time.Time `json:"creation_date"`
}

type imagesResponse struct {
	Images []image `json:"images"`
}

// instanceFamily extracts the family from a commercial type code, e.g.
// "L4-1-24G" -> "L4".
func instanceFamily(code string) string {
	family, _, _ := strings.Cut(code, "-")
	return strings.ToUpper(family)
}

func requiresDisklessImage(instanceTypeCode string) bool {
	return lo.Contains(disklessFamilies, instanceFamily(instanceTypeCode))
}

func (p *Provider) ResolveBootImage(ctx context.Context, zone, instanceTypeCode string) (string, error) {
	var out imagesResponse
	if err := p.client.do(ctx, http.MethodGet, zone, "/images?arch=x86_64&per_page=100", nil, &out); err != nil {
		return "", fmt.Errorf("listing images in %s, %w", zone, err)
	}
	available := lo.Filter(out.Images, func(img image, _ int) bool {
		return img.State == "available"
	})
	diskless := requiresDisklessImage(instanceTypeCode)
	candidates := lo.Filter(available, func(img image, _ int) bool {
		name := strings.ToLower(img.Name)
		if diskless {
			return strings.Contains(name, "diskless") || strings.Contains(name, "gpu_os")
		}
		return strings.Contains(name, "ubuntu")
	})
	if len(candidates) == 0 {
		if diskless {
			return "", errors.NewFatal(errors.CodeDisklessBootImageResolveFailed,
				fmt.Sprintf("no diskless-compatible image available in %s for %s", zone, instanceTypeCode), nil)
		}
		return "", errors.NewFatal("boot_image_resolve_failed",
			fmt.Sprintf("no bootable image available in %s for %s", zone, instanceTypeCode), nil)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreationDate.After(candidates[j].CreationDate)
	})
	return candidates[0].ID, nil
}

type productServer struct {
	Ncpus       int     `json:"ncpus"`
	RAM         int64   `json:"ram"` // bytes
	Gpu         int     `json:"gpu"`
	HourlyPrice float64 `json:"hourly_price"`
	GpuInfo     *struct {
		GpuMemory int64 `json:"gpu_memory"` // bytes per GPU
	} `json:"gpu_info"`
	Network struct {
		SumInternalBandwidth int64 `json:"sum_internal_bandwidth"`
	} `json:"network"`
}

type productsResponse struct {
	Servers map[string]productServer `json:"servers"`
}

func (p *Provider) FetchCatalog(ctx context.Context, zone string) ([]providers.CatalogEntry, error) {
	var out productsResponse
	if err := p.client.do(ctx, http.MethodGet, zone, "/products/servers?per_page=100", nil, &out); err != nil {
		return nil, fmt.Errorf("fetching server products in %s, %w", zone, err)
	}
	entries := lo.MapToSlice(out.Servers, func(code string, product productServer) providers.CatalogEntry {
		entry := providers.CatalogEntry{
			Code:         code,
			Name:         code,
			CostPerHour:  product.HourlyPrice,
			CPUCount:     product.Ncpus,
			RAMGB:        int(product.RAM / (1 << 30)),
			GPUCount:     product.Gpu,
			BandwidthBPS: product.Network.SumInternalBandwidth,
		}
		if product.GpuInfo != nil && product.Gpu > 0 {
			entry.VRAMPerGPUGB = int(product.GpuInfo.GpuMemory / (1 << 30))
		}
		return entry
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	return entries, nil
}
