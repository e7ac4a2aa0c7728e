package sandbox

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Profile is a named sandbox resource preset. Profiles let operators pick a
// resource envelope per agent without spelling out raw limits.
type Profile struct {
	Name          string `yaml:"name"`
	MemoryLimitMB int64  `yaml:"memory_limit_mb"`
	CPUQuota      int64  `yaml:"cpu_quota"`
	NetworkMode   string `yaml:"network_mode"`
}

// defaultProfilesYAML ships the built-in presets. Operators can override
// them with a profiles.yaml next to the config file.
const defaultProfilesYAML = `
profiles:
  - name: default
    memory_limit_mb: 2048
    cpu_quota: 100000
    network_mode: bridge
  - name: isolated
    memory_limit_mb: 2048
    cpu_quota: 100000
    network_mode: none
  - name: heavy
    memory_limit_mb: 8192
    cpu_quota: 400000
    network_mode: bridge
`

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles parses a profiles document, falling back to the built-in
// presets when data is empty.
func LoadProfiles(data []byte) (map[string]Profile, error) {
	if len(data) == 0 {
		data = []byte(defaultProfilesYAML)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sandbox profiles: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("sandbox profiles document contains no profiles")
	}

	out := make(map[string]Profile, len(file.Profiles))
	for _, p := range file.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("sandbox profile with empty name")
		}
		out[p.Name] = p
	}
	return out, nil
}

// Apply overlays the profile's limits onto a create spec, leaving fields the
// spec already sets untouched.
func (p Profile) Apply(spec *CreateSpec) {
	if spec.MemoryBytes == 0 && p.MemoryLimitMB > 0 {
		spec.MemoryBytes = p.MemoryLimitMB * 1024 * 1024
	}
	if spec.CPUQuota == 0 && p.CPUQuota > 0 {
		spec.CPUQuota = p.CPUQuota
	}
	if spec.NetworkMode == "" && p.NetworkMode != "" {
		spec.NetworkMode = p.NetworkMode
	}
}
