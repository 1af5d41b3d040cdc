package catalog

import (
	"context"
	"fmt"
)

// Catalog is the read-only metadata surface the enrichment planner needs.
type Catalog interface {
	// Variable resolves a fully qualified variable id or slug.
	Variable(ctx context.Context, idOrSlug string) (*Variable, error)

	// Dataset resolves a dataset id.
	Dataset(ctx context.Context, id string) (*Dataset, error)

	// Geography resolves a geography id.
	Geography(ctx context.Context, id string) (*Geography, error)

	// IsSubscribed reports whether the caller holds a license for the entity.
	IsSubscribed(ctx context.Context, kind Kind, id string) (bool, error)
}

// NotFoundError reports an id or slug that matches no catalog entity.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("catalog: %s %q not found", e.Kind, e.ID)
}
