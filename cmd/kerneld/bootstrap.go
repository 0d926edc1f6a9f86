package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/pluginmanager"
)

// agentManifest is the on-disk shape of the bootstrap plugin table
// (spec §4.3 step 1's "{plugin_id, is_active, allowed_permissions}"),
// grounded on plugin-panel-system/types.go's yaml-tagged config
// structs.
type agentManifest struct {
	Agents []struct {
		PluginID           string   `yaml:"plugin_id"`
		IsActive           bool     `yaml:"is_active"`
		AllowedPermissions []string `yaml:"allowed_permissions"`
	} `yaml:"agents"`
}

// loadActiveRows reads the bootstrap plugin table from path. A
// missing file yields an empty table rather than an error: a kernel
// with no pre-configured agents still starts, ready to accept
// self-extension registrations.
func loadActiveRows(path string) ([]pluginmanager.ActiveRow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bootstrap: read %s: %w", path, err)
	}

	var manifest agentManifest
	if err := yaml.Unmarshal(b, &manifest); err != nil {
		return nil, fmt.Errorf("bootstrap: parse %s: %w", path, err)
	}

	rows := make([]pluginmanager.ActiveRow, 0, len(manifest.Agents))
	for _, a := range manifest.Agents {
		perms := events.NewPermissionSet()
		for _, p := range a.AllowedPermissions {
			perm := events.Permission(p)
			if !perm.Valid() {
				return nil, fmt.Errorf("bootstrap: %s: unknown permission %q", a.PluginID, p)
			}
			perms.Add(perm)
		}
		rows = append(rows, pluginmanager.ActiveRow{
			PluginID:           a.PluginID,
			IsActive:           a.IsActive,
			AllowedPermissions: perms,
		})
	}
	return rows, nil
}
