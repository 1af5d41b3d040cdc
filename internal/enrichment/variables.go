package enrichment

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cartodb/observatory-cli/internal/catalog"
)

// VariableRef is a requested variable: either an id or slug still to be
// looked up, or a variable already fetched from the catalog.
type VariableRef struct {
	id       string
	variable *catalog.Variable
}

// ByID refers to a variable by fully qualified id or slug.
func ByID(idOrSlug string) VariableRef { return VariableRef{id: idOrSlug} }

// FromVariable refers to a pre-fetched catalog variable.
func FromVariable(v catalog.Variable) VariableRef { return VariableRef{variable: &v} }

func (r VariableRef) String() string {
	if r.variable != nil {
		return r.variable.ID
	}
	return r.id
}

// NormalizeVariables flattens the accepted variable inputs into refs: a
// string, a catalog.Variable (or pointer), a VariableRef, or a slice of any
// mix of those.
func NormalizeVariables(input any) ([]VariableRef, error) {
	switch v := input.(type) {
	case string:
		return []VariableRef{ByID(v)}, nil
	case catalog.Variable:
		return []VariableRef{FromVariable(v)}, nil
	case *catalog.Variable:
		if v == nil {
			return nil, eris.Wrap(ErrInvalidVariable, "nil variable")
		}
		return []VariableRef{FromVariable(*v)}, nil
	case VariableRef:
		return []VariableRef{v}, nil
	case []VariableRef:
		return v, nil
	case []string:
		refs := make([]VariableRef, len(v))
		for i, s := range v {
			refs[i] = ByID(s)
		}
		return refs, nil
	case []catalog.Variable:
		refs := make([]VariableRef, len(v))
		for i := range v {
			refs[i] = FromVariable(v[i])
		}
		return refs, nil
	case []any:
		refs := make([]VariableRef, 0, len(v))
		for _, item := range v {
			if _, nested := item.([]any); nested {
				return nil, eris.Wrapf(ErrInvalidVariable, "nested list %v", item)
			}
			r, err := NormalizeVariables(item)
			if err != nil {
				return nil, err
			}
			refs = append(refs, r...)
		}
		return refs, nil
	default:
		return nil, eris.Wrapf(ErrInvalidVariable, "unsupported input %T", input)
	}
}

// Descriptor is a validated variable together with the dataset and
// geography it is read from.
type Descriptor struct {
	Variable  catalog.Variable
	Path      catalog.VariablePath
	Dataset   catalog.Dataset
	Geography catalog.Geography
}

// Resolver turns variable refs into validated descriptors.
type Resolver struct {
	catalog  catalog.Catalog
	platform string
}

// NewResolver returns a resolver checking availability on platform.
func NewResolver(c catalog.Catalog, platform string) *Resolver {
	if platform == "" {
		platform = catalog.PlatformBigQuery
	}
	return &Resolver{catalog: c, platform: platform}
}

// Variable looks up a single ref without any validation of its dataset.
func (r *Resolver) Variable(ctx context.Context, ref VariableRef) (catalog.Variable, error) {
	v := ref.variable
	if v == nil {
		if ref.id == "" {
			return catalog.Variable{}, eris.Wrap(ErrInvalidVariable, "empty variable id")
		}
		var err error
		if v, err = r.catalog.Variable(ctx, ref.id); err != nil {
			return catalog.Variable{}, err
		}
	}
	if _, err := v.Path(); err != nil {
		return catalog.Variable{}, eris.Wrapf(ErrInvalidVariable, "variable %s: %v", v.ID, err)
	}
	return *v, nil
}

// Resolve looks up every ref, drops variables that have no aggregation
// method when agg requires one, removes duplicates (first occurrence wins)
// and checks that each owning dataset and its geography are published to the
// platform and licensed. A nil agg applies no aggregation filtering.
func (r *Resolver) Resolve(ctx context.Context, refs []VariableRef, agg *Aggregation) ([]Descriptor, error) {
	vars := make([]catalog.Variable, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		v, err := r.Variable(ctx, ref)
		if err != nil {
			return nil, eris.Wrapf(err, "enrichment: resolve variable %s", ref)
		}
		if agg != nil && !agg.IsNone() && agg.MethodFor(v) == "" {
			zap.L().Warn("enrichment: variable skipped, it has no aggregation method",
				zap.String("variable", v.ID),
			)
			continue
		}
		if seen[v.ID] {
			continue
		}
		seen[v.ID] = true
		vars = append(vars, v)
	}

	datasets, err := r.datasets(ctx, vars)
	if err != nil {
		return nil, err
	}

	out := make([]Descriptor, len(vars))
	for i, v := range vars {
		path, _ := v.Path()
		meta := datasets[v.DatasetID]
		out[i] = Descriptor{Variable: v, Path: path, Dataset: meta.dataset, Geography: meta.geography}
	}
	return out, nil
}

type datasetMeta struct {
	dataset   catalog.Dataset
	geography catalog.Geography
}

// datasets fetches the distinct datasets of vars concurrently, then validates
// them in first-seen order so that the reported error is deterministic.
func (r *Resolver) datasets(ctx context.Context, vars []catalog.Variable) (map[string]datasetMeta, error) {
	var ids []string
	index := make(map[string]int)
	for _, v := range vars {
		if _, ok := index[v.DatasetID]; !ok {
			index[v.DatasetID] = len(ids)
			ids = append(ids, v.DatasetID)
		}
	}

	metas := make([]datasetMeta, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			d, err := r.catalog.Dataset(gctx, id)
			if err != nil {
				return eris.Wrapf(err, "enrichment: resolve dataset %s", id)
			}
			geo, err := r.catalog.Geography(gctx, d.GeographyID)
			if err != nil {
				return eris.Wrapf(err, "enrichment: resolve geography %s", d.GeographyID)
			}
			metas[i] = datasetMeta{dataset: *d, geography: *geo}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]datasetMeta, len(ids))
	for i, id := range ids {
		if err := r.validate(ctx, metas[i]); err != nil {
			return nil, err
		}
		out[id] = metas[i]
	}
	return out, nil
}

func (r *Resolver) validate(ctx context.Context, m datasetMeta) error {
	if !m.dataset.IsAvailableIn(r.platform) {
		return &ConfigurationError{Kind: catalog.KindDataset, ID: m.dataset.ID, Platform: r.platform}
	}
	if !m.geography.IsAvailableIn(r.platform) {
		return &ConfigurationError{Kind: catalog.KindGeography, ID: m.geography.ID, Platform: r.platform}
	}

	checks := []struct {
		kind   catalog.Kind
		id     string
		public bool
	}{
		{catalog.KindDataset, m.dataset.ID, m.dataset.IsPublicData},
		{catalog.KindGeography, m.geography.ID, m.geography.IsPublicData},
	}
	for _, c := range checks {
		if c.public {
			continue
		}
		ok, err := r.catalog.IsSubscribed(ctx, c.kind, c.id)
		if err != nil {
			return eris.Wrapf(err, "enrichment: check subscription to %s %s", c.kind, c.id)
		}
		if !ok {
			return &SubscriptionRequiredError{Kind: c.kind, ID: c.id}
		}
	}
	return nil
}
