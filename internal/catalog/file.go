package catalog

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Snapshot is an offline copy of catalog metadata.
type Snapshot struct {
	Variables     []Variable    `yaml:"variables"`
	Datasets      []Dataset     `yaml:"datasets"`
	Geographies   []Geography   `yaml:"geographies"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
}

// Static serves a Snapshot from memory. Lookups accept ids or slugs.
type Static struct {
	variables   map[string]*Variable
	datasets    map[string]*Dataset
	geographies map[string]*Geography
	subs        Subscriptions
}

// NewStatic indexes a snapshot.
func NewStatic(s Snapshot) *Static {
	c := &Static{
		variables:   make(map[string]*Variable, 2*len(s.Variables)),
		datasets:    make(map[string]*Dataset, 2*len(s.Datasets)),
		geographies: make(map[string]*Geography, 2*len(s.Geographies)),
		subs:        s.Subscriptions,
	}
	for i := range s.Variables {
		v := &s.Variables[i]
		index(c.variables, v.ID, v.Slug, v)
	}
	for i := range s.Datasets {
		d := &s.Datasets[i]
		index(c.datasets, d.ID, d.Slug, d)
	}
	for i := range s.Geographies {
		g := &s.Geographies[i]
		index(c.geographies, g.ID, g.Slug, g)
	}
	return c
}

func index[T any](m map[string]*T, id, slug string, v *T) {
	m[id] = v
	if slug != "" {
		m[slug] = v
	}
}

// LoadFile reads a YAML snapshot from path.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrapf(err, "catalog: parse %s", path)
	}
	return NewStatic(s), nil
}

func (c *Static) Variable(_ context.Context, idOrSlug string) (*Variable, error) {
	v, ok := c.variables[idOrSlug]
	if !ok {
		return nil, &NotFoundError{Kind: KindVariable, ID: idOrSlug}
	}
	out := *v
	return &out, nil
}

func (c *Static) Dataset(_ context.Context, id string) (*Dataset, error) {
	d, ok := c.datasets[id]
	if !ok {
		return nil, &NotFoundError{Kind: KindDataset, ID: id}
	}
	out := *d
	return &out, nil
}

func (c *Static) Geography(_ context.Context, id string) (*Geography, error) {
	g, ok := c.geographies[id]
	if !ok {
		return nil, &NotFoundError{Kind: KindGeography, ID: id}
	}
	out := *g
	return &out, nil
}

func (c *Static) IsSubscribed(_ context.Context, kind Kind, id string) (bool, error) {
	return c.subs.Has(kind, id), nil
}
