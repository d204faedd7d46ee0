package registry

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// fileDefinition mirrors Definition with string durations, since the
// definitions file declares timeouts like "250ms" and TTLs like "6h".
type fileDefinition struct {
	Feature           string      `yaml:"feature"`
	SourceID          string      `yaml:"source_id"`
	Priority          int         `yaml:"priority"`
	Statement         string      `yaml:"statement"`
	Params            []ParamSpec `yaml:"params"`
	OutputColumns     []string    `yaml:"output_columns"`
	ValueColumn       string      `yaml:"value_column"`
	QualityPredicates []Predicate `yaml:"quality_predicates"`
	Cardinality       Cardinality `yaml:"cardinality"`
	Timeout           string      `yaml:"timeout"`
	CacheTTL          string      `yaml:"cache_ttl"`
	DefaultValue      any         `yaml:"default_value"`
}

type definitionsFile struct {
	Resolvers []fileDefinition `yaml:"resolvers"`
}

// Parse decodes resolver definitions from YAML bytes.
func Parse(data []byte) ([]Definition, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "registry: parse definitions")
	}
	if len(file.Resolvers) == 0 {
		return nil, eris.New("registry: definitions file declares no resolvers")
	}

	defs := make([]Definition, 0, len(file.Resolvers))
	for _, fd := range file.Resolvers {
		timeout, err := parseDuration(fd.Timeout, "timeout", fd.Feature)
		if err != nil {
			return nil, err
		}
		ttl, err := parseDuration(fd.CacheTTL, "cache_ttl", fd.Feature)
		if err != nil {
			return nil, err
		}
		defs = append(defs, Definition{
			Feature:           fd.Feature,
			SourceID:          fd.SourceID,
			Priority:          fd.Priority,
			Statement:         fd.Statement,
			Params:            fd.Params,
			OutputColumns:     fd.OutputColumns,
			ValueColumn:       fd.ValueColumn,
			QualityPredicates: fd.QualityPredicates,
			Cardinality:       fd.Cardinality,
			Timeout:           timeout,
			CacheTTL:          ttl,
			DefaultValue:      fd.DefaultValue,
		})
	}
	return defs, nil
}

// LoadFile reads a definitions file and builds a validated Registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return New(defs)
}

func parseDuration(raw, field, feature string) (time.Duration, error) {
	if raw == "" {
		return 0, eris.Errorf("registry: feature %q: missing %s", feature, field)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, eris.Wrapf(err, "registry: feature %q: parse %s", feature, field)
	}
	if d <= 0 {
		return 0, eris.Errorf("registry: feature %q: %s must be positive", feature, field)
	}
	return d, nil
}
