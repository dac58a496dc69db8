package platform

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/healthgate/fhir-gateway/internal/serviceerr"
)

// Registry resolves platform ids to their configuration. It is immutable
// after construction and safe for concurrent use.
type Registry struct {
	platforms map[string]Platform
}

type registryFile struct {
	Platforms []Platform `yaml:"platforms"`
}

// LoadRegistry reads the platform registry from a YAML file. Environment
// references of the form ${VAR} in the file are expanded, so client secrets
// can stay out of the file itself.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading platform registry: %w", err)
	}

	return ParseRegistry([]byte(os.ExpandEnv(string(raw))))
}

// ParseRegistry builds a Registry from raw YAML.
func ParseRegistry(raw []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing platform registry: %w", err)
	}

	platforms := make(map[string]Platform, len(file.Platforms))
	for _, p := range file.Platforms {
		if p.ID == "" {
			return nil, errors.New("platform with empty id")
		}
		if _, ok := platforms[p.ID]; ok {
			return nil, fmt.Errorf("duplicate platform id: %s", p.ID)
		}
		if p.OAuth.AuthorizeURL == "" || p.OAuth.TokenURL == "" {
			return nil, fmt.Errorf("platform %s: missing OAuth endpoints", p.ID)
		}
		if p.OAuth.ClientID == "" {
			return nil, fmt.Errorf("platform %s: missing client id", p.ID)
		}

		platforms[p.ID] = p
	}

	return &Registry{platforms: platforms}, nil
}

// Get returns the platform for id or serviceerr.ErrNotFound.
func (r *Registry) Get(id string) (Platform, error) {
	p, ok := r.platforms[id]
	if !ok {
		return Platform{}, fmt.Errorf("platform %q: %w", id, serviceerr.ErrNotFound)
	}

	return p, nil
}

// IDs returns all registered platform ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.platforms))
	for id := range r.platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}
