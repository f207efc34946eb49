package config

import (
	"fmt"
	"os"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"

	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// ServerlessEntry is one row of the static serverless config document
// (§6): both fields required, duplicates forbidden.
type ServerlessEntry struct {
	Package  string `hcl:"package" mapstructure:"package"`
	ClientID string `hcl:"client_id" mapstructure:"client_id"`
}

type serverlessDoc struct {
	Map []ServerlessEntry `hcl:"map" mapstructure:"map"`
}

// ServerlessConfig is the parsed, validated static config for C3.
type ServerlessConfig struct {
	Entries []ServerlessEntry
}

// LoadServerlessConfig reads and validates the serverless static config
// at path. A parse failure (malformed document or a validation error)
// disables all serverless behavior for the session while regular clients
// continue to work (§4.3) — callers get a nil *ServerlessConfig and
// should log and proceed, not abort startup.
func LoadServerlessConfig(path string) (*ServerlessConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read serverless config: %w", err)
	}

	var decoded map[string]interface{}
	if err := hcl.Decode(&decoded, string(raw)); err != nil {
		return nil, fmt.Errorf("config: decode serverless config hcl: %w", err)
	}

	var doc serverlessDoc
	if err := mapstructure.Decode(decoded, &doc); err != nil {
		return nil, fmt.Errorf("config: map serverless config: %w", err)
	}

	cfg := &ServerlessConfig{Entries: doc.Map}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks every entry rather than stopping at the first problem,
// so a single malformed config file reports all of its mistakes at once
// instead of forcing the operator through one fix-and-reload cycle per
// error.
func (c *ServerlessConfig) validate() error {
	var result *multierror.Error
	pkgs := make(map[string]struct{}, len(c.Entries))
	ids := make(map[types.ClientId]struct{}, len(c.Entries))
	for _, e := range c.Entries {
		if e.Package == "" || e.ClientID == "" {
			result = multierror.Append(result, fmt.Errorf("config: serverless entry missing package or client_id: %+v", e))
			continue
		}
		if _, dup := pkgs[e.Package]; dup {
			result = multierror.Append(result, fmt.Errorf("config: duplicate serverless package %q", e.Package))
		}
		cid := types.ClientId(e.ClientID)
		if _, dup := ids[cid]; dup {
			result = multierror.Append(result, fmt.Errorf("config: duplicate serverless client_id %q", e.ClientID))
		}
		pkgs[e.Package] = struct{}{}
		ids[cid] = struct{}{}
	}
	return result.ErrorOrNil()
}
