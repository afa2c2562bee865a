package voters

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed columns.yaml
var defaultColumns []byte

// Kind is the value type of an exportable column.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
)

// Column describes one exportable voter attribute.
type Column struct {
	Key    string `yaml:"key" json:"key"`
	Label  string `yaml:"label" json:"label"`
	Column string `yaml:"column" json:"-"`
	Kind   Kind   `yaml:"kind" json:"kind"`
}

// Registry is the fixed, versioned list of exportable columns.
type Registry struct {
	version int
	columns []Column
	byKey   map[string]int
	sort    []string
}

type registryFile struct {
	Version int      `yaml:"version"`
	Sort    []string `yaml:"sort"`
	Columns []Column `yaml:"columns"`
}

// LoadRegistry parses a YAML column registry.
func LoadRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse column registry: %w", err)
	}
	if len(f.Columns) == 0 {
		return nil, errors.New("column registry is empty")
	}
	r := &Registry{version: f.Version, byKey: make(map[string]int, len(f.Columns))}
	for _, c := range f.Columns {
		if c.Key == "" || c.Column == "" {
			return nil, fmt.Errorf("column registry entry %q: key and column are required", c.Key)
		}
		if _, dup := r.byKey[c.Key]; dup {
			return nil, fmt.Errorf("column registry: duplicate key %q", c.Key)
		}
		switch c.Kind {
		case "":
			c.Kind = KindString
		case KindString, KindInt, KindBool:
		default:
			return nil, fmt.Errorf("column registry entry %q: unknown kind %q", c.Key, c.Kind)
		}
		if c.Label == "" {
			c.Label = c.Key
		}
		r.byKey[c.Key] = len(r.columns)
		r.columns = append(r.columns, c)
	}
	for _, k := range f.Sort {
		if _, ok := r.byKey[k]; !ok {
			return nil, fmt.Errorf("column registry: sort key %q is not a column", k)
		}
	}
	r.sort = f.Sort
	if len(r.sort) == 0 {
		r.sort = []string{r.columns[0].Key}
	}
	return r, nil
}

// LoadRegistryFile reads a registry from disk. An empty path yields the built-in registry.
func LoadRegistryFile(path string) (*Registry, error) {
	if path == "" {
		return LoadRegistry(defaultColumns)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read column registry: %w", err)
	}
	return LoadRegistry(data)
}

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry {
	r, err := LoadRegistry(defaultColumns)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Version() int { return r.version }

// Columns returns all columns in registry order.
func (r *Registry) Columns() []Column {
	out := make([]Column, len(r.columns))
	copy(out, r.columns)
	return out
}

// SortKeys lists the column keys that fix export row order.
func (r *Registry) SortKeys() []string {
	return append([]string(nil), r.sort...)
}

func (r *Registry) Lookup(key string) (Column, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return Column{}, false
	}
	return r.columns[i], true
}
