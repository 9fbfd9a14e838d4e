// Package discovery finds shards and keeps the router's pool in line with them.
// Sources cover static configuration, DNS SRV records and an onchain registry.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ruteri/attested-shard-router/interfaces"
	"gopkg.in/yaml.v3"
)

// Source lists the shards it knows of.
type Source interface {
	Name() string
	Shards(ctx context.Context) ([]interfaces.ShardIdentity, error)
}

// StaticSource returns a fixed shard set.
type StaticSource struct {
	shards []interfaces.ShardIdentity
}

func NewStaticSource(shards []interfaces.ShardIdentity) *StaticSource {
	return &StaticSource{shards: shards}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Shards(ctx context.Context) ([]interfaces.ShardIdentity, error) {
	return append([]interfaces.ShardIdentity(nil), s.shards...), nil
}

// ParseShardFlags parses "id=uri" pairs. A bare URI uses itself as id.
func ParseShardFlags(values []string) ([]interfaces.ShardIdentity, error) {
	shards := make([]interfaces.ShardIdentity, 0, len(values))
	for _, v := range values {
		id, uri, found := strings.Cut(v, "=")
		if !found {
			id, uri = v, v
		}
		identity := interfaces.ShardIdentity{ID: interfaces.ShardID(strings.TrimSpace(id)), URI: strings.TrimSpace(uri)}
		if err := identity.Validate(); err != nil {
			return nil, fmt.Errorf("shard %q: %w", v, err)
		}
		shards = append(shards, identity)
	}
	return shards, nil
}

// ShardFile is the YAML layout of a static shard file.
type ShardFile struct {
	Shards []interfaces.ShardIdentity `yaml:"shards"`
}

// LoadStaticFile reads a YAML shard file.
//
//	shards:
//	  - id: shard-0
//	    uri: fog-view://shard-0.example.com
//	    pinned_measurements:
//	      0: "a1b2..."
func LoadStaticFile(path string) ([]interfaces.ShardIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read shard file: %w", err)
	}

	var file ShardFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("could not parse shard file %s: %w", path, err)
	}
	for _, identity := range file.Shards {
		if err := identity.Validate(); err != nil {
			return nil, fmt.Errorf("shard file %s: shard %q: %w", path, identity.ID, err)
		}
	}
	return file.Shards, nil
}
