package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrNoApps = errors.New("no apps configured")

// App routes connections arriving on Ports to one of Targets.
type App struct {
	Name    string   `yaml:"name" json:"name"`
	Ports   []int    `yaml:"ports" json:"ports"`
	Targets []string `yaml:"targets" json:"targets"`
}

// AppSet is the full desired routing state. The file format is YAML; since
// YAML is a superset of JSON, a config.json works as well:
//
//	{"apps": [{"name": "web", "ports": [80, 443], "targets": ["10.0.0.2:8080"]}]}
type AppSet struct {
	Apps []App `yaml:"apps" json:"apps"`
}

// ParseApps decodes and validates an app set.
func ParseApps(data []byte) (*AppSet, error) {
	var set AppSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing apps: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// LoadAppsFile reads the app set at path.
func LoadAppsFile(path string) (*AppSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading apps file: %w", err)
	}
	return ParseApps(data)
}

// Validate checks names, port ranges and that every port belongs to
// exactly one app.
func (s *AppSet) Validate() error {
	if s == nil || len(s.Apps) == 0 {
		return ErrNoApps
	}

	names := make(map[string]struct{}, len(s.Apps))
	owner := make(map[int]string)
	for _, app := range s.Apps {
		if app.Name == "" {
			return errors.New("app without name")
		}
		if _, dup := names[app.Name]; dup {
			return fmt.Errorf("duplicate app %q", app.Name)
		}
		names[app.Name] = struct{}{}

		for _, p := range app.Ports {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("app %q: port %d out of range", app.Name, p)
			}
			if prev, taken := owner[p]; taken && prev != app.Name {
				return fmt.Errorf("port %d claimed by both %q and %q", p, prev, app.Name)
			}
			owner[p] = app.Name
		}
	}
	return nil
}

// Ports returns every configured port in ascending order.
func (s *AppSet) Ports() []int {
	mapping := s.PortMapping()
	out := make([]int, 0, len(mapping))
	for p := range mapping {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// PortMapping maps each port to its app name.
func (s *AppSet) PortMapping() map[int]string {
	out := make(map[int]string)
	if s == nil {
		return out
	}
	for _, app := range s.Apps {
		for _, p := range app.Ports {
			out[p] = app.Name
		}
	}
	return out
}

// Upstreams maps each app name to its targets.
func (s *AppSet) Upstreams() map[string][]string {
	out := make(map[string][]string)
	if s == nil {
		return out
	}
	for _, app := range s.Apps {
		out[app.Name] = append([]string(nil), app.Targets...)
	}
	return out
}

// Targets returns every distinct target across apps.
func (s *AppSet) Targets() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, targets := range s.Upstreams() {
		for _, t := range targets {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
