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
	"strconv"

	"github.com/samber/lo"

	"github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/providers"
)

type volumeResponse struct {
	Volume struct {
		ID string `json:"id"`
	} `json:"volume"`
}

func (p *Provider) CreateVolume(ctx context.Context, req providers.CreateVolumeRequest) (string, error) {
	body := map[string]any{
		"name":        req.Name,
		"size":        req.SizeBytes,
		"volume_type": req.Kind,
	}
	if req.PerfIOPS != nil {
		body["perf_iops"] = *req.PerfIOPS
	}
	var out volumeResponse
	if err := p.client.do(ctx, http.MethodPost, req.Zone, "/volumes", body, &out); err != nil {
		return "", fmt.Errorf("creating volume %s, %w", req.Name, err)
	}
	return out.Volume.ID, nil
}

// AttachVolume patches the server's volume map. The full existing attachment
// set must be carried in the patch or the API detaches everything else.
func (p *Provider) AttachVolume(ctx context.Context, zone, serverID, volumeID string, _ bool) error {
	var srv serverResponse
	if err := p.client.do(ctx, http.MethodGet, zone, "/servers/"+serverID, nil, &srv); err != nil {
		return fmt.Errorf("getting server %s before volume attach, %w", serverID, err)
	}
	volumes := map[string]serverVolumeRef{}
	for key, ref := range srv.Server.Volumes {
		volumes[key] = serverVolumeRef{ID: ref.ID, Boot: ref.Boot}
	}
	keys := lo.Map(lo.Keys(volumes), func(k string, _ int) int {
		i, _ := strconv.Atoi(k)
		return i
	})
	next := lo.Max(keys) + 1
	volumes[strconv.Itoa(next)] = serverVolumeRef{ID: volumeID}
	if err := p.client.do(ctx, http.MethodPatch, zone, "/servers/"+serverID, map[string]any{"volumes": volumes}, nil); err != nil {
		return fmt.Errorf("attaching volume %s to server %s, %w", volumeID, serverID, err)
	}
	return nil
}

func (p *Provider) DeleteVolume(ctx context.Context, zone, volumeID string) error {
	err := p.client.do(ctx, http.MethodDelete, zone, "/volumes/"+volumeID, nil, nil)
	if err := errors.IgnoreNotFound(err); err != nil {
		return fmt.Errorf("deleting volume %s, %w", volumeID, err)
	}
	return nil
}
