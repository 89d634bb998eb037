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
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/gpufleet/gpufleet/pkg/errors"
	"github.com/gpufleet/gpufleet/pkg/providers"
)

const ProviderCode = "scaleway"

// startBackoff is the bounded backoff applied to the transient "volumes not
// yet usable" poweron precondition: 0.5/1/2/3/5s, capped at 5s, <=60s total.
var startBackoff = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
}

const startMaxAttempts = 14 // sum of delays stays under the 60s budget

type Provider struct {
	client *client
	logger *zap.Logger
}

type Options struct {
	BaseURL string
	Token   string
}

func NewProvider(opts Options, logger *zap.Logger) *Provider {
	return &Provider{
		client: newClient(opts.BaseURL, opts.Token),
		logger: logger.Named("scaleway"),
	}
}

func (p *Provider) Code() string { return ProviderCode }

type serverVolumeRef struct {
	ID   string `json:"id"`
	Boot bool   `json:"boot"`
}

type publicIP struct {
	Address string `json:"address"`
}

type server struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name"`
	State          string                     `json:"state"`
	CommercialType string                     `json:"commercial_type"`
	PublicIP       *publicIP                  `json:"public_ip"`
	Volumes        map[string]serverVolumeRef `json:"volumes"`
	SecurityGroup  struct {
		ID string `json:"id"`
	} `json:"security_group"`
	CreationDate time.Time `json:"creation_date"`
}

type serverResponse struct {
	Server server `json:"server"`
}

type serversResponse struct {
	Servers []server `json:"servers"`
}

func (p *Provider) CreateInstance(ctx context.Context, req providers.CreateInstanceRequest) (string, error) {
	body := map[string]any{
		"name":                req.Name,
		"commercial_type":     req.InstanceType,
		"image":               req.BootImage,
		"dynamic_ip_required": true,
		"tags":                []string{"managed-by=gpufleet"},
	}
	if len(req.PreAttachedVolumes) > 0 {
		volumes := map[string]serverVolumeRef{}
		for i, id := range req.PreAttachedVolumes {
			volumes[strconv.Itoa(i+1)] = serverVolumeRef{ID: id}
		}
		body["volumes"] = volumes
	}
	var out serverResponse
	if err := p.client.do(ctx, http.MethodPost, req.Zone, "/servers", body, &out); err != nil {
		return "", fmt.Errorf("creating server, %w", err)
	}
	if req.UserData != "" {
		if err := p.SetCloudInit(ctx, req.Zone, out.Server.ID, req.UserData); err != nil {
			// The server exists; the caller holds its id and owns cleanup.
			return out.Server.ID, fmt.Errorf("setting cloud-init on %s, %w", out.Server.ID, err)
		}
	}
	return out.Server.ID, nil
}

func (p *Provider) StartInstance(ctx context.Context, zone, id string) error {
	if err := retry.Do(
		func() error {
			return p.serverAction(ctx, zone, id, "poweron")
		},
		retry.Context(ctx),
		retry.RetryIf(errors.IsVolumesNotReady),
		retry.Attempts(startMaxAttempts),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return startBackoff[lo.Min([]int{int(n), len(startBackoff) - 1})]
		}),
		retry.LastErrorOnly(true),
	); err != nil {
		return fmt.Errorf("powering on server %s, %w", id, err)
	}
	return nil
}

func (p *Provider) serverAction(ctx context.Context, zone, id, action string) error {
	return p.client.do(ctx, http.MethodPost, zone, fmt.Sprintf("/servers/%s/action", id), map[string]string{"action": action}, nil)
}

func (p *Provider) GetInstanceIP(ctx context.Context, zone, id string) (string, error) {
	var out serverResponse
	if err := p.client.do(ctx, http.MethodGet, zone, "/servers/"+id, nil, &out); err != nil {
		return "", fmt.Errorf("getting server %s, %w", id, err)
	}
	if out.Server.PublicIP == nil {
		return "", nil
	}
	return out.Server.PublicIP.Address, nil
}

func (p *Provider) SetCloudInit(ctx context.Context, zone, id, userData string) error {
	if err := p.client.doRaw(ctx, http.MethodPatch, zone, fmt.Sprintf("/servers/%s/user_data/cloud-init", id), "text/plain", []byte(userData)); err != nil {
		return fmt.Errorf("setting cloud-init user data, %w", err)
	}
	return nil
}

type securityGroupRule struct {
	ID           string `json:"id,omitempty"`
	Direction    string `json:"direction"`
	Protocol     string `json:"protocol"`
	Action       string `json:"action"`
	DestPortFrom *int   `json:"dest_port_from"`
	DestPortTo   *int   `json:"dest_port_to"`
}

type securityGroupRulesResponse struct {
	Rules []securityGroupRule `json:"rules"`
}

func (p *Provider) EnsureInboundTCPPorts(ctx context.Context, zone, id string, ports []int) error {
	var srv serverResponse
	if err := p.client.do(ctx, http.MethodGet, zone, "/servers/"+id, nil, &srv); err != nil {
		return fmt.Errorf("getting server %s for port setup, %w", id, err)
	}
	sgID := srv.Server.SecurityGroup.ID
	var existing securityGroupRulesResponse
	if err := p.client.do(ctx, http.MethodGet, zone, fmt.Sprintf("/security_groups/%s/rules", sgID), nil, &existing); err != nil {
		return fmt.Errorf("listing security group rules, %w", err)
	}
	open := lo.FilterMap(existing.Rules, func(r securityGroupRule, _ int) (int, bool) {
		if r.Direction == "inbound" && r.Protocol == "TCP" && r.Action == "accept" && r.DestPortFrom != nil {
			return *r.DestPortFrom, true
		}
		return 0, false
	})
	// Port 22 must stay reachable for the SSH bootstrap path.
	for _, port := range lo.Uniq(append(ports, 22)) {
		if lo.Contains(open, port) {
			continue
		}
		rule := securityGroupRule{
			Direction:    "inbound",
			Protocol:     "TCP",
			Action:       "accept",
			DestPortFrom: lo.ToPtr(port),
			DestPortTo:   lo.ToPtr(port),
		}
		if err := p.client.do(ctx, http.MethodPost, zone, fmt.Sprintf("/security_groups/%s/rules", sgID), rule, nil); err != nil {
			return fmt.Errorf("opening inbound tcp port %d, %w", port, err)
		}
	}
	return nil
}

func (p *Provider) TerminateInstance(ctx context.Context, zone, id string) error {
	err := p.serverAction(ctx, zone, id, "terminate")
	if err == nil || errors.IsNotFound(err) {
		return nil
	}
	// The graceful action can be refused depending on the server state; fall
	// back to deleting the resource outright.
	p.logger.Warn("terminate action refused, falling back to delete",
		zap.String("server_id", id), zap.Error(err))
	if delErr := p.client.do(ctx, http.MethodDelete, zone, "/servers/"+id, nil, nil); delErr != nil {
		if errors.IsNotFound(delErr) {
			return nil
		}
		return fmt.Errorf("deleting server %s after refused terminate, %w", id, delErr)
	}
	return nil
}

func (p *Provider) CheckInstanceExists(ctx context.Context, zone, id string) (bool, error) {
	var out serverResponse
	err := p.client.do(ctx, http.MethodGet, zone, "/servers/"+id, nil, &out)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking server %s exists, %w", id, err)
	}
	return true, nil
}

func (p *Provider) ListInstances(ctx context.Context, zone string) ([]providers.InstanceSummary, error) {
	var all []server
	for page := 1; ; page++ {
		var out serversResponse
		if err := p.client.do(ctx, http.MethodGet, zone, fmt.Sprintf("/servers?per_page=100&page=%d", page), nil, &out); err != nil {
			return nil, fmt.Errorf("listing servers page %d, %w", page, err)
		}
		all = append(all, out.Servers...)
		if len(out.Servers) < 100 {
			break
		}
	}
	return lo.Map(all, func(s server, _ int) providers.InstanceSummary {
		summary := providers.InstanceSummary{
			ProviderID:   s.ID,
			Name:         s.Name,
			Status:       s.State,
			InstanceType: s.CommercialType,
			CreatedAt:    s.CreationDate,
		}
		if s.PublicIP != nil {
			summary.Address = s.PublicIP.Address
		}
		return summary
	}), nil
}
