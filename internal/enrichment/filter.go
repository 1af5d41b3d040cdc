package enrichment

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// VariableFilter restricts the catalog rows taking part in a join to those
// where the variable's column satisfies Query, e.g. "> 100" or "= 'x'".
// Query is inserted into the SQL verbatim.
type VariableFilter struct {
	Variable VariableRef
	Query    string
}

// Condition is a filter bound to a physical column.
type Condition struct {
	Column string
	Query  string
}

// ParseFilter reads the "variable:expression" form used on the command line.
func ParseFilter(s string) (VariableFilter, error) {
	id, query, ok := strings.Cut(s, ":")
	id, query = strings.TrimSpace(id), strings.TrimSpace(query)
	if !ok || id == "" || query == "" {
		return VariableFilter{}, eris.Wrapf(ErrInvalidFilter, "filter %q is not variable:expression", s)
	}
	return VariableFilter{Variable: ByID(id), Query: query}, nil
}

// Conditions resolves each filter's variable to its column name.
func (r *Resolver) Conditions(ctx context.Context, filters []VariableFilter) ([]Condition, error) {
	out := make([]Condition, 0, len(filters))
	for _, f := range filters {
		v, err := r.Variable(ctx, f.Variable)
		if err != nil {
			return nil, eris.Wrapf(err, "enrichment: resolve filter variable %s", f.Variable)
		}
		out = append(out, Condition{Column: v.ColumnName, Query: f.Query})
	}
	return out, nil
}
