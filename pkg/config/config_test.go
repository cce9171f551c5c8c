package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/scoutflo/homelab-mcp-server/pkg/config"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	v := viper.New()
	v.Set("INVENTORY_PATH", t.TempDir())

	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerName != "homelab-mcp-server" {
		t.Errorf("expected default server name, got %q", cfg.ServerName)
	}
	if cfg.InventoryStalenessHours != 24 {
		t.Errorf("expected default staleness of 24 hours, got %d", cfg.InventoryStalenessHours)
	}
	if !cfg.Stdio {
		t.Errorf("expected stdio transport enabled by default")
	}
	if cfg.HostKeyPolicy != "tofu" {
		t.Errorf("expected default host key policy tofu, got %q", cfg.HostKeyPolicy)
	}
}

func TestLoad_CreatesInventoryAndTerraformDirs(t *testing.T) {
	dir := t.TempDir()
	v := viper.New()
	v.Set("INVENTORY_PATH", filepath.Join(dir, "nested", "inventory"))

	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(cfg.InventoryPath); err != nil {
		t.Fatalf("inventory dir not created: %v", err)
	}
	if _, err := os.Stat(cfg.TerraformStateDir); err != nil {
		t.Fatalf("terraform state dir not created: %v", err)
	}
	if cfg.TerraformStateDir != filepath.Join(cfg.InventoryPath, "terraform") {
		t.Errorf("unexpected terraform state dir: %s", cfg.TerraformStateDir)
	}
}

func TestLoad_RejectsEmptyInventoryPath(t *testing.T) {
	v := viper.New()
	v.Set("INVENTORY_PATH", "")
	if _, err := config.Load(v); err == nil {
		t.Fatalf("expected an error for an empty inventory path")
	}
}

func TestStalenessThreshold_ConvertsHoursToDuration(t *testing.T) {
	v := viper.New()
	v.Set("INVENTORY_PATH", t.TempDir())
	v.Set("INVENTORY_STALENESS_HOURS", 6)

	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.StalenessThreshold(); got != 6*time.Hour {
		t.Errorf("expected 6h, got %s", got)
	}
}

func TestDevicesDBPathAndTemplatesDir_AreUnderInventoryPath(t *testing.T) {
	v := viper.New()
	v.Set("INVENTORY_PATH", t.TempDir())
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if filepath.Dir(cfg.DevicesDBPath()) != cfg.InventoryPath {
		t.Errorf("expected devices db under inventory path, got %s", cfg.DevicesDBPath())
	}
	if filepath.Dir(cfg.TemplatesDir()) != cfg.InventoryPath {
		t.Errorf("expected templates dir under inventory path, got %s", cfg.TemplatesDir())
	}
}
