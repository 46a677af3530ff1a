// Package profile holds the static per-profile box configuration. Profiles
// are loaded once at startup and are read-only afterwards.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend kinds a profile can target.
const (
	BackendDocker      = "docker"
	BackendFirecracker = "firecracker"
)

type Profile struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`

	// Container limits (docker backend)
	CPULimit    string `yaml:"cpu_limit"`
	MemoryLimit string `yaml:"memory_limit"`
	Image       string `yaml:"image"`

	// MicroVM sizing (firecracker backend)
	VCPUs  int `yaml:"vcpus"`
	MemMiB int `yaml:"mem_mib"`

	DefaultTTL int `yaml:"default_ttl"`
	MaxTTL     int `yaml:"max_ttl"`

	// Hostnames/CIDRs the box may reach. Enforcement is the network layer's
	// job; the broker records the allowlist on the session.
	EgressAllowlist []string `yaml:"egress_allowlist"`

	AllowedActions []string `yaml:"allowed_actions"`
}

type Registry struct {
	profiles map[string]Profile
}

// Defaults mirrors the profile set the invite issuer recognizes.
func Defaults(defaultImage string) *Registry {
	base := []Profile{
		{
			Name:           "dev",
			Backend:        BackendDocker,
			CPULimit:       "1000m",
			MemoryLimit:    "1Gi",
			DefaultTTL:     1800,
			MaxTTL:         7200,
			AllowedActions: []string{"shell", "port-forward"},
		},
		{
			Name:           "debug",
			Backend:        BackendDocker,
			CPULimit:       "2000m",
			MemoryLimit:    "2Gi",
			DefaultTTL:     3600,
			MaxTTL:         14400,
			AllowedActions: []string{"shell", "port-forward", "tcpdump"},
		},
		{
			Name:            "secure-shell",
			Backend:         BackendFirecracker,
			VCPUs:           1,
			MemMiB:          512,
			DefaultTTL:      1800,
			MaxTTL:          3600,
			EgressAllowlist: []string{},
			AllowedActions:  []string{"shell"},
		},
		{
			Name:           "privileged",
			Backend:        BackendFirecracker,
			VCPUs:          2,
			MemMiB:         2048,
			DefaultTTL:     3600,
			MaxTTL:         28800,
			AllowedActions: []string{"shell", "port-forward", "mount"},
		},
	}

	r := &Registry{profiles: make(map[string]Profile, len(base))}
	for _, p := range base {
		if p.Image == "" {
			p.Image = defaultImage
		}
		r.profiles[p.Name] = p
	}
	return r
}

// LoadFile replaces the default registry with profiles from a YAML file.
func LoadFile(path, defaultImage string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("no profiles defined in %s", path)
	}

	r := &Registry{profiles: make(map[string]Profile, len(doc.Profiles))}
	for _, p := range doc.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile with empty name in %s", path)
		}
		if p.Backend != BackendDocker && p.Backend != BackendFirecracker {
			return nil, fmt.Errorf("profile %s: unknown backend %q", p.Name, p.Backend)
		}
		if p.MaxTTL <= 0 || p.DefaultTTL <= 0 || p.DefaultTTL > p.MaxTTL {
			return nil, fmt.Errorf("profile %s: invalid ttl bounds (default=%d max=%d)", p.Name, p.DefaultTTL, p.MaxTTL)
		}
		if p.Image == "" {
			p.Image = defaultImage
		}
		r.profiles[p.Name] = p
	}
	return r, nil
}

// Resolve looks up a profile and clamps the requested TTL to its bounds.
// A requestedTTL of zero selects the profile default.
func (r *Registry) Resolve(name string, requestedTTL int) (Profile, int, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, 0, fmt.Errorf("unknown profile %q", name)
	}
	ttl := requestedTTL
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	if ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}
	return p, ttl, nil
}

// Names returns the configured profile names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	return names
}
