package enrichment

import (
	"github.com/rotisserie/eris"

	"github.com/cartodb/observatory-cli/internal/catalog"
	"github.com/cartodb/observatory-cli/internal/warehouse"
)

// Default project names of the hosted catalog.
const (
	DefaultPublicProject  = "carto-do-public-data"
	DefaultWorkingProject = "carto-do-customers"
)

// TableGroup is the set of requested variables read from one physical
// source table, hence one generated query.
type TableGroup struct {
	Key       string
	Variables []Descriptor
	Source    warehouse.TableRef
	Geography warehouse.TableRef
	Project   string
	Public    bool
}

// Grouper maps variables to the physical tables they are read from.
// Public catalog tables are read in place; everything else is read through
// the per-customer views provisioned in UserDataset of WorkingProject.
type Grouper struct {
	PublicProject  string
	WorkingProject string
	UserDataset    string
}

// Group partitions vars by physical source table. Groups come out in the
// order their first variable appears in vars.
func (g Grouper) Group(vars []Descriptor) ([]*TableGroup, error) {
	var groups []*TableGroup
	byKey := make(map[string]*TableGroup)
	for _, d := range vars {
		source, geo, public, err := g.tables(d)
		if err != nil {
			return nil, err
		}
		key := source.String()
		tg, ok := byKey[key]
		if !ok {
			project := g.WorkingProject
			if public {
				project = g.PublicProject
			}
			tg = &TableGroup{Key: key, Source: source, Geography: geo, Project: project, Public: public}
			byKey[key] = tg
			groups = append(groups, tg)
		}
		tg.Variables = append(tg.Variables, d)
	}
	return groups, nil
}

func (g Grouper) tables(d Descriptor) (source, geo warehouse.TableRef, public bool, err error) {
	geoPath, err := catalog.ParseTableID(d.Dataset.GeographyID)
	if err != nil {
		return source, geo, false, eris.Wrapf(err, "enrichment: geography of dataset %s", d.Dataset.ID)
	}

	if d.Path.Project == g.PublicProject {
		ds, err := catalog.ParseTableID(d.Variable.DatasetID)
		if err != nil {
			return source, geo, false, eris.Wrapf(err, "enrichment: dataset of variable %s", d.Variable.ID)
		}
		source = warehouse.TableRef{Project: ds.Project, Dataset: ds.Schema, Table: ds.Table}
		geo = warehouse.TableRef{Project: g.PublicProject, Dataset: geoPath.Schema, Table: geoPath.Table}
		return source, geo, true, nil
	}

	source = warehouse.TableRef{
		Project: g.WorkingProject,
		Dataset: g.UserDataset,
		Table:   "view_" + d.Path.Schema + "_" + d.Path.Table,
	}
	geo = warehouse.TableRef{
		Project: g.WorkingProject,
		Dataset: g.UserDataset,
		Table:   "view_" + geoPath.Schema + "_" + geoPath.Table,
	}
	return source, geo, false, nil
}
