// Package config loads server configuration from the environment and an
// optional config file via viper, the way the teacher binds cobra flags
// into viper in pkg/kubernetes-mcp-server/cmd/root.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved server configuration. It is read once at
// startup and never mutated afterward; components receive copies or
// read-only references.
type Config struct {
	ServerName    string
	ServerVersion string
	LogLevel      int
	Debug         bool

	InventoryPath           string
	InventoryStalenessHours int

	AnsibleHostKeyChecking bool
	AnsibleInventoryPath   string

	HTTPHost string
	HTTPPort int
	WSHost   string
	WSPort   int
	Stdio    bool

	HTTPStateless bool

	SSHKeyPath        string
	HostKeyPolicy     string // strict | tofu | accept-all
	KnownHostsPath    string
	ManagedAdminUser  string
	TerraformStateDir string
}

// StalenessThreshold returns InventoryStalenessHours as a time.Duration.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.InventoryStalenessHours) * time.Hour
}

// Load binds environment variables (and any values already present in v,
// e.g. from cobra flags bound earlier) into a Config. v may be nil, in
// which case a fresh viper instance is used.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v.SetDefault("MCP_SERVER_NAME", "homelab-mcp-server")
	v.SetDefault("MCP_SERVER_VERSION", "dev")
	v.SetDefault("LOG_LEVEL", 2)
	v.SetDefault("DEBUG", false)
	v.SetDefault("INVENTORY_PATH", filepath.Join(home, ".homelab-mcp"))
	v.SetDefault("INVENTORY_STALENESS_HOURS", 24)
	v.SetDefault("ANSIBLE_HOST_KEY_CHECKING", false)
	v.SetDefault("ANSIBLE_INVENTORY_PATH", "")
	v.SetDefault("http-host", "0.0.0.0")
	v.SetDefault("http-port", 0)
	v.SetDefault("ws-host", "0.0.0.0")
	v.SetDefault("ws-port", 0)
	v.SetDefault("stdio", true)
	v.SetDefault("http-stateless", true)
	v.SetDefault("host-key-policy", "tofu")
	v.SetDefault("managed-admin-user", "mcp_admin")

	inventoryPath := v.GetString("INVENTORY_PATH")

	cfg := &Config{
		ServerName:              v.GetString("MCP_SERVER_NAME"),
		ServerVersion:           v.GetString("MCP_SERVER_VERSION"),
		LogLevel:                v.GetInt("LOG_LEVEL"),
		Debug:                   v.GetBool("DEBUG"),
		InventoryPath:           inventoryPath,
		InventoryStalenessHours: v.GetInt("INVENTORY_STALENESS_HOURS"),
		AnsibleHostKeyChecking:  v.GetBool("ANSIBLE_HOST_KEY_CHECKING"),
		AnsibleInventoryPath:    v.GetString("ANSIBLE_INVENTORY_PATH"),
		HTTPHost:                v.GetString("http-host"),
		HTTPPort:                v.GetInt("http-port"),
		WSHost:                  v.GetString("ws-host"),
		WSPort:                  v.GetInt("ws-port"),
		Stdio:                   v.GetBool("stdio"),
		HTTPStateless:           v.GetBool("http-stateless"),
		SSHKeyPath:              filepath.Join(home, ".ssh", "mcp_admin_rsa"),
		HostKeyPolicy:           v.GetString("host-key-policy"),
		KnownHostsPath:          filepath.Join(home, ".ssh", "mcp_known_hosts"),
		ManagedAdminUser:        v.GetString("managed-admin-user"),
		TerraformStateDir:       filepath.Join(inventoryPath, "terraform"),
	}

	if cfg.InventoryPath == "" {
		return nil, fmt.Errorf("INVENTORY_PATH must not be empty")
	}
	if err := os.MkdirAll(cfg.InventoryPath, 0o755); err != nil {
		return nil, fmt.Errorf("create inventory path %s: %w", cfg.InventoryPath, err)
	}
	if err := os.MkdirAll(cfg.TerraformStateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create terraform state dir: %w", err)
	}

	return cfg, nil
}

// DevicesDBPath is the path to the device store's SQLite file.
func (c *Config) DevicesDBPath() string {
	return filepath.Join(c.InventoryPath, "devices.db")
}

// TemplatesDir is the path service templates are loaded from.
func (c *Config) TemplatesDir() string {
	return filepath.Join(c.InventoryPath, "templates")
}
