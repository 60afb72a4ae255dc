package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/briangreenhill/offlinecache/internal/policy"
)

// Manifest lists the assets to pre-warm on install and the routing rules
type Manifest struct {
	Precache []string     `yaml:"precache"`
	Routes   policy.Rules `yaml:"routes"`
}

// DefaultManifest pre-warms the application shell
func DefaultManifest() *Manifest {
	rules := policy.DefaultRules()
	return &Manifest{
		Precache: append([]string(nil), rules.StaticAssets...),
		Routes:   rules,
	}
}

// LoadManifest reads a YAML manifest. Sections missing from the file keep
// their defaults. An empty path returns the default manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m := DefaultManifest()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := validateManifest(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}

// YAML renders the manifest
func (m *Manifest) YAML() ([]byte, error) {
	return yaml.Marshal(m)
}

func validateManifest(m *Manifest) error {
	for i, asset := range m.Precache {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			return fmt.Errorf("precache entry %d is empty", i)
		}
		u, err := url.Parse(asset)
		if err != nil {
			return fmt.Errorf("precache entry %q: %w", asset, err)
		}
		if !u.IsAbs() && !strings.HasPrefix(u.Path, "/") {
			return fmt.Errorf("precache entry %q must be an absolute path or URL", asset)
		}
	}
	return nil
}
