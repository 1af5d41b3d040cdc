package enrichment

import (
	"fmt"
	"strings"

	"github.com/cartodb/observatory-cli/internal/warehouse"
)

// Table aliases used by every generated statement.
const (
	sourceAlias = "enrichment_table"
	geoAlias    = "enrichment_geo_table"
	dataAlias   = "data_table"
)

// QueryBuilder renders one spatial join statement per table group against
// the uploaded user table.
type QueryBuilder struct {
	Dialect warehouse.Dialect
	// JoinKey is the synthetic row id column of the uploaded table.
	JoinKey string
	// GeomColumn is the geography column of the uploaded table.
	GeomColumn string
}

// BuildPointQueries returns one containment join per group.
func (b QueryBuilder) BuildPointQueries(data warehouse.TableRef, groups []*TableGroup, filters []Condition) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		cols := make([]string, 0, len(g.Variables)+2)
		cols = append(cols, b.dataCol(b.JoinKey))
		for _, d := range g.Variables {
			cols = append(cols, b.sourceCol(d.Variable.ColumnName))
		}
		cols = append(cols, fmt.Sprintf("ST_Area(%s.geom) AS %s", geoAlias, b.Dialect.Ident("area")))

		on := fmt.Sprintf("ST_Within(%s, %s.geom)", b.dataCol(b.GeomColumn), geoAlias)
		out[i] = b.statement(g, data, cols, on, filters, false)
	}
	return out
}

// BuildPolygonQueries returns one intersection join per group. With agg set
// to none the rows are left unaggregated and carry the areas needed to
// weight them client side; otherwise each variable is aggregated per input
// row, with sum weighted by the share of the input polygon covered.
func (b QueryBuilder) BuildPolygonQueries(data warehouse.TableRef, groups []*TableGroup, filters []Condition, agg Aggregation) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		cols := []string{b.dataCol(b.JoinKey)}
		if agg.IsNone() {
			cols = append(cols, b.rawColumns(g)...)
		} else {
			cols = append(cols, b.aggregatedColumns(g, agg)...)
		}

		on := fmt.Sprintf("ST_Intersects(%s, %s.geom)", b.dataCol(b.GeomColumn), geoAlias)
		out[i] = b.statement(g, data, cols, on, filters, !agg.IsNone())
	}
	return out
}

func (b QueryBuilder) aggregatedColumns(g *TableGroup, agg Aggregation) []string {
	cols := make([]string, 0, len(g.Variables))
	for _, d := range g.Variables {
		method := agg.MethodFor(d.Variable)
		col := b.sourceCol(d.Variable.ColumnName)
		alias := b.Dialect.Ident(method + "_" + d.Variable.ColumnName)
		if method == "sum" {
			cols = append(cols, fmt.Sprintf("%s(%s * (%s / %s)) AS %s", method, col, b.intersectionArea(), b.userArea(), alias))
			continue
		}
		cols = append(cols, fmt.Sprintf("%s(%s) AS %s", method, col, alias))
	}
	return cols
}

func (b QueryBuilder) rawColumns(g *TableGroup) []string {
	cols := make([]string, 0, len(g.Variables)+4)
	for _, d := range g.Variables {
		cols = append(cols, b.sourceCol(d.Variable.ColumnName))
	}
	return append(cols,
		b.intersectionArea()+" AS "+b.Dialect.Ident("intersected_area"),
		fmt.Sprintf("ST_Area(%s.geom) AS %s", geoAlias, b.Dialect.Ident("do_area")),
		b.userArea()+" AS "+b.Dialect.Ident("user_area"),
		fmt.Sprintf("%s.geoid AS %s", geoAlias, b.Dialect.Ident("do_geoid")),
	)
}

func (b QueryBuilder) statement(g *TableGroup, data warehouse.TableRef, cols []string, on string, filters []Condition, grouped bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s\n", strings.Join(cols, ", "))
	fmt.Fprintf(&sb, "FROM %s %s\n", b.Dialect.Table(g.Source), sourceAlias)
	fmt.Fprintf(&sb, "JOIN %s %s ON %s.geoid = %s.geoid\n", b.Dialect.Table(g.Geography), geoAlias, sourceAlias, geoAlias)
	fmt.Fprintf(&sb, "JOIN %s %s ON %s", b.Dialect.Table(data), dataAlias, on)
	if where := b.where(filters); where != "" {
		sb.WriteString("\n" + where)
	}
	if grouped {
		fmt.Fprintf(&sb, "\nGROUP BY %s", b.dataCol(b.JoinKey))
	}
	return sb.String()
}

// where ANDs every filter. Filter expressions are caller text and are not
// escaped.
func (b QueryBuilder) where(filters []Condition) string {
	if len(filters) == 0 {
		return ""
	}
	conds := make([]string, len(filters))
	for i, f := range filters {
		conds[i] = b.sourceCol(f.Column) + " " + f.Query
	}
	return "WHERE " + strings.Join(conds, " AND ")
}

func (b QueryBuilder) intersectionArea() string {
	return fmt.Sprintf("ST_Area(ST_Intersection(%s.geom, %s))", geoAlias, b.dataCol(b.GeomColumn))
}

func (b QueryBuilder) userArea() string {
	return fmt.Sprintf("ST_Area(%s)", b.dataCol(b.GeomColumn))
}

func (b QueryBuilder) sourceCol(name string) string { return sourceAlias + "." + b.Dialect.Ident(name) }

func (b QueryBuilder) dataCol(name string) string { return dataAlias + "." + b.Dialect.Ident(name) }
