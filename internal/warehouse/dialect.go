package warehouse

import (
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Dialect renders the warehouse-specific parts of generated SQL.
type Dialect interface {
	Name() string

	// Table renders a fully qualified table reference.
	Table(ref TableRef) string

	// Ident renders a column name or alias.
	Ident(name string) string
}

var plainIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
var plainBigQueryIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// BigQuery quotes the whole project.dataset.table path in backticks.
type BigQuery struct{}

func (BigQuery) Name() string { return "bigquery" }

func (BigQuery) Table(ref TableRef) string {
	return "`" + ref.String() + "`"
}

// Ident backticks names that are not plain identifiers.
func (BigQuery) Ident(name string) string {
	if plainBigQueryIdent.MatchString(name) {
		return name
	}
	return "`" + name + "`"
}

// Postgres drops the project and quotes schema and table separately.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Table(ref TableRef) string {
	if ref.Dataset == "" {
		return pgx.Identifier{ref.Table}.Sanitize()
	}
	return pgx.Identifier{ref.Dataset, ref.Table}.Sanitize()
}

// Ident quotes names that would otherwise be case-folded or rejected.
func (Postgres) Ident(name string) string {
	if plainIdent.MatchString(name) {
		return name
	}
	return pgx.Identifier{name}.Sanitize()
}

// DialectFor maps a configured dialect name to its implementation.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bigquery", "bq":
		return BigQuery{}, nil
	case "postgres", "postgresql", "postgis", "":
		return Postgres{}, nil
	default:
		return nil, eris.Errorf("warehouse: unknown dialect %q", name)
	}
}
