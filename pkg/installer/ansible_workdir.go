package installer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("installer: create working dir %s: %w", dir, err)
	}
	return nil
}

func writeYAMLPlaybook(path string, playbook []map[string]any) error {
	data, err := yaml.Marshal(playbook)
	if err != nil {
		return fmt.Errorf("installer: marshal playbook: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("installer: write playbook %s: %w", path, err)
	}
	return nil
}
