package configstore

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File names expected inside a configuration directory. Each file is a
// YAML document mapping names to definitions; missing files are treated
// as empty sections.
const (
	rolesFile        = "roles.yml"
	roleMappingsFile = "roles_mapping.yml"
	actionGroupsFile = "action_groups.yml"
	tenantsFile      = "tenants.yml"
)

// LoadBundle reads a configuration bundle from a directory laid out in
// the security-plugin file convention (roles.yml, roles_mapping.yml,
// action_groups.yml, tenants.yml).
func LoadBundle(dir string) (Bundle, error) {
	var b Bundle

	if err := loadYAMLFile(filepath.Join(dir, rolesFile), &b.Roles); err != nil {
		return Bundle{}, err
	}
	if err := loadYAMLFile(filepath.Join(dir, roleMappingsFile), &b.RoleMappings); err != nil {
		return Bundle{}, err
	}
	if err := loadYAMLFile(filepath.Join(dir, actionGroupsFile), &b.ActionGroups); err != nil {
		return Bundle{}, err
	}
	if err := loadYAMLFile(filepath.Join(dir, tenantsFile), &b.Tenants); err != nil {
		return Bundle{}, err
	}

	return b, nil
}

func loadYAMLFile(path string, out any) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
