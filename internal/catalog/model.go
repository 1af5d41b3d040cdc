// Package catalog resolves Data Observatory metadata (variables, datasets,
// geographies and subscriptions) needed to plan an enrichment.
package catalog

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

// PlatformBigQuery is the availability tag of warehouse-ready entities.
const PlatformBigQuery = "bq"

// Kind names a catalog entity type.
type Kind string

// Entity kinds.
const (
	KindVariable  Kind = "variable"
	KindDataset   Kind = "dataset"
	KindGeography Kind = "geography"
)

// Variable is one enrichable column of a catalog dataset. Its ID always has
// the form project.schema.table.column.
type Variable struct {
	ID          string `json:"id" yaml:"id"`
	Slug        string `json:"slug" yaml:"slug"`
	Name        string `json:"name,omitempty" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	ColumnName  string `json:"column_name" yaml:"column_name"`
	DBType      string `json:"db_type" yaml:"db_type"`
	DatasetID   string `json:"dataset_id" yaml:"dataset_id"`
	AggMethod   string `json:"agg_method,omitempty" yaml:"agg_method"`
}

// VariablePath is a decomposed variable ID.
type VariablePath struct {
	Project string
	Schema  string
	Table   string
	Column  string
}

// ParseVariableID splits a project.schema.table.column identifier.
func ParseVariableID(id string) (VariablePath, error) {
	parts := strings.Split(id, ".")
	if len(parts) != 4 || slices.Contains(parts, "") {
		return VariablePath{}, eris.Errorf("catalog: variable id %q is not project.schema.table.column", id)
	}
	return VariablePath{Project: parts[0], Schema: parts[1], Table: parts[2], Column: parts[3]}, nil
}

// Path decomposes the variable ID.
func (v Variable) Path() (VariablePath, error) {
	return ParseVariableID(v.ID)
}

// TablePath is a decomposed dataset or geography ID.
type TablePath struct {
	Project string
	Schema  string
	Table   string
}

// ParseTableID splits a project.schema.table identifier.
func ParseTableID(id string) (TablePath, error) {
	parts := strings.Split(id, ".")
	if len(parts) != 3 || slices.Contains(parts, "") {
		return TablePath{}, eris.Errorf("catalog: table id %q is not project.schema.table", id)
	}
	return TablePath{Project: parts[0], Schema: parts[1], Table: parts[2]}, nil
}

// String joins the path back into an ID.
func (p TablePath) String() string {
	return p.Project + "." + p.Schema + "." + p.Table
}

// Dataset is the catalog table a variable belongs to.
type Dataset struct {
	ID           string   `json:"id" yaml:"id"`
	Slug         string   `json:"slug" yaml:"slug"`
	Name         string   `json:"name,omitempty" yaml:"name"`
	GeographyID  string   `json:"geography_id" yaml:"geography_id"`
	IsPublicData bool     `json:"is_public_data" yaml:"is_public_data"`
	AvailableIn  []string `json:"available_in" yaml:"available_in"`
}

// IsAvailableIn reports whether the dataset is published to platform.
func (d Dataset) IsAvailableIn(platform string) bool {
	return slices.Contains(d.AvailableIn, platform)
}

// Geography is the spatial partition a dataset's rows are keyed to.
type Geography struct {
	ID           string   `json:"id" yaml:"id"`
	Slug         string   `json:"slug" yaml:"slug"`
	Name         string   `json:"name,omitempty" yaml:"name"`
	IsPublicData bool     `json:"is_public_data" yaml:"is_public_data"`
	AvailableIn  []string `json:"available_in" yaml:"available_in"`
}

// IsAvailableIn reports whether the geography is published to platform.
func (g Geography) IsAvailableIn(platform string) bool {
	return slices.Contains(g.AvailableIn, platform)
}

// Subscriptions lists the dataset and geography ids the caller holds a
// license for.
type Subscriptions struct {
	Datasets    []string `json:"datasets" yaml:"datasets"`
	Geographies []string `json:"geographies" yaml:"geographies"`
}

// Has reports whether id of the given kind is licensed.
func (s Subscriptions) Has(kind Kind, id string) bool {
	switch kind {
	case KindDataset:
		return slices.Contains(s.Datasets, id)
	case KindGeography:
		return slices.Contains(s.Geographies, id)
	default:
		return false
	}
}
