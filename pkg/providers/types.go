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
	"context"
	"time"
)

// CloudProvider is the uniform capability set the orchestrator needs from a
// cloud. Adapters classify every failure through pkg/errors before returning.
type CloudProvider interface {
	// Code identifies the adapter in the catalog (e.g. "scaleway", "mock").
	Code() string
	// CreateInstance creates a VM and returns the provider-assigned id.
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (string, error)
	// StartInstance powers the VM on. Adapters retry the transient
	// "volumes not yet usable" precondition with bounded backoff.
	StartInstance(ctx context.Context, zone, id string) error
	// GetInstanceIP returns the public address, or "" when not yet assigned.
	GetInstanceIP(ctx context.Context, zone, id string) (string, error)
	// SetCloudInit sets user-data on an existing VM (post-create path).
	SetCloudInit(ctx context.Context, zone, id, userData string) error
	// EnsureInboundTCPPorts opens the given ports. Idempotent; port 22 is
	// always kept reachable.
	EnsureInboundTCPPorts(ctx context.Context, zone, id string, ports []int) error
	// TerminateInstance tries the graceful path first and falls back to a
	// delete when the provider refuses a running deletion.
	TerminateInstance(ctx context.Context, zone, id string) error
	// CheckInstanceExists reports whether the provider still knows the VM.
	CheckInstanceExists(ctx context.Context, zone, id string) (bool, error)
	// CreateVolume creates block storage and returns the provider volume id.
	CreateVolume(ctx context.Context, req CreateVolumeRequest) (string, error)
	// AttachVolume attaches a volume, preserving the full existing
	// attachment set of the server.
	AttachVolume(ctx context.Context, zone, serverID, volumeID string, deleteOnTerminate bool) error
	// DeleteVolume deletes a volume. A 404 counts as success.
	DeleteVolume(ctx context.Context, zone, volumeID string) error
	// ResolveBootImage discovers a bootable image for the instance type,
	// returning a diskless-compatible image when the family demands it.
	ResolveBootImage(ctx context.Context, zone, instanceTypeCode string) (string, error)
	// ListInstances lists all VMs the provider knows in the zone.
	ListInstances(ctx context.Context, zone string) ([]InstanceSummary, error)
	// FetchCatalog returns the provider's instance type offerings for the zone.
	FetchCatalog(ctx context.Context, zone string) ([]CatalogEntry, error)
}

type CreateInstanceRequest struct {
	Zone               string
	Name               string
	InstanceType       string
	BootImage          string
	UserData           string
	PreAttachedVolumes []string
}

type CreateVolumeRequest struct {
	Zone      string
	Name      string
	SizeBytes int64
	Kind      string
	PerfIOPS  *int
}

type InstanceSummary struct {
	ProviderID   string
	Name         string
	Status       string
	Address      string
	InstanceType string
	CreatedAt    time.Time
}

type CatalogEntry struct {
	Code         string
	Name         string
	CostPerHour  float64
	CPUCount     int
	RAMGB        int
	GPUCount     int
	VRAMPerGPUGB int
	BandwidthBPS int64
}
