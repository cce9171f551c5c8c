// Package devicestore is the durable inventory of the fleet (C2): devices,
// their history, installed services, and staleness signaling (spec §4.2,
// §3). Backed by modernc.org/sqlite, a pure-Go embedded ACID engine
// (grounded on Aureuma-si/apps/ReleaseParty/backend, which depends on the
// same driver for its own embedded storage).
package devicestore

import (
	"encoding/json"
	"time"
)

// Role is the homelab role of a device (spec §3).
type Role string

const (
	RoleDevelopment      Role = "development"
	RoleInfrastructure   Role = "infrastructure_host"
	RoleServiceHost      Role = "service_host"
	RoleNetworkDevice    Role = "network_device"
	RoleStorageDevice    Role = "storage_device"
	RoleUnknown          Role = "unknown"
)

// AuthKind mirrors sshexec.AuthKind without importing it, keeping
// devicestore free of an SSH dependency.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
	AuthAgent    AuthKind = "agent"
)

// Disk describes one discovered block device.
type Disk struct {
	Device  string `json:"device"`
	Type    string `json:"type"` // nvme | ssd | hdd | unknown
	SizeGB  int    `json:"size_gb"`
}

// GPU describes one discovered accelerator.
type GPU struct {
	Vendor         string   `json:"vendor"`
	Model          string   `json:"model"`
	MemoryGB       int      `json:"memory_gb"`
	CapabilityTags []string `json:"capability_tags,omitempty"`
}

// NetworkInterface describes one discovered NIC.
type NetworkInterface struct {
	Name       string `json:"name"`
	MACAddress string `json:"mac_address,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
}

// Facts holds nullable, last-known discovered facts about a device
// (spec §3). A nil pointer means "unknown", not "empty".
type Facts struct {
	OSFamily       string             `json:"os_family,omitempty"`
	OSVersion      string             `json:"os_version,omitempty"`
	CPUModel       string             `json:"cpu_model,omitempty"`
	CPUCores       int                `json:"cpu_cores,omitempty"`
	CPUThreads     int                `json:"cpu_threads,omitempty"`
	MemoryTotalMB  int                `json:"memory_total_mb,omitempty"`
	Disks          []Disk             `json:"disks,omitempty"`
	Interfaces     []NetworkInterface `json:"interfaces,omitempty"`
	GPUs           []GPU              `json:"gpus,omitempty"`
	USBPCIDevices  []string           `json:"usb_pci_devices,omitempty"`
	UptimeSeconds  int64              `json:"uptime_seconds,omitempty"`
	Kernel         string             `json:"kernel,omitempty"`
}

// InstallMethod mirrors tmpl.InstallMethod to avoid an import cycle.
type InstallMethod string

const (
	MethodDockerCompose InstallMethod = "docker_compose"
	MethodAnsible       InstallMethod = "ansible"
	MethodTerraform     InstallMethod = "terraform"
	MethodScript        InstallMethod = "script"
)

// HealthState is the last observed health of an installed service.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// InstalledService is the Installed Service Record of spec §3.
type InstalledService struct {
	ServiceName    string        `json:"service_name"`
	Version        string        `json:"version"`
	Method         InstallMethod `json:"method"`
	Ports          []int         `json:"ports,omitempty"`
	ConfigDigest   string        `json:"config_digest"`
	InstalledAt    time.Time     `json:"installed_at"`
	Health         HealthState   `json:"health"`
	DeploymentDir  string        `json:"deployment_dir,omitempty"`
}

// Device is the full device record of spec §3.
type Device struct {
	ID        int64  `json:"id"`
	Hostname  string `json:"hostname,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	Username string   `json:"username,omitempty"`
	AuthKind AuthKind `json:"auth_kind,omitempty"`
	CredRef  string   `json:"cred_ref,omitempty"`

	Facts *Facts `json:"facts,omitempty"`

	Role                  Role   `json:"role"`
	ExcludedFromDeployments bool `json:"excluded_from_deployments"`
	Notes                 string `json:"notes,omitempty"`

	Services []InstalledService `json:"services,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	LastDiscoveryAt *time.Time `json:"last_discovery_at,omitempty"`
	Version         int64      `json:"version"`
}

// HistoryKind enumerates the append-only device history event kinds.
type HistoryKind string

const (
	HistCreated          HistoryKind = "created"
	HistDiscovered       HistoryKind = "discovered"
	HistUpdated          HistoryKind = "updated"
	HistRoleChanged      HistoryKind = "role_changed"
	HistServiceInstalled HistoryKind = "service_installed"
	HistServiceRemoved   HistoryKind = "service_removed"
	HistDeleted          HistoryKind = "deleted"
)

// HistoryEntry is one append-only log row (spec §3).
type HistoryEntry struct {
	ID        int64           `json:"id"`
	DeviceID  int64           `json:"device_id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      HistoryKind     `json:"kind"`
	Diff      json.RawMessage `json:"diff_payload,omitempty"`
}

// UpsertOutcome reports whether upsert created or updated a record.
type UpsertOutcome string

const (
	Created UpsertOutcome = "created"
	Updated UpsertOutcome = "updated"
)

// UpsertResult is the return value of Upsert.
type UpsertResult struct {
	Outcome UpsertOutcome
	Version int64
	Device  Device
}

// Filter narrows List queries.
type Filter struct {
	Role                Role
	ExcludedOnly        bool
	HostnameContains    string
	ExcludeDeploymentOK *bool
}
