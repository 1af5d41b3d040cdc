package enrichment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cartodb/observatory-cli/internal/catalog"
)

var (
	// ErrInvalidGeometry means the input has no usable geometry column.
	ErrInvalidGeometry = errors.New("enrichment: no valid geometry found")

	// ErrInvalidVariable means a variable input is neither an id, a slug
	// nor a catalog variable, or its id is malformed.
	ErrInvalidVariable = errors.New("enrichment: invalid variable")

	// ErrInvalidFilter means a filter is not in "variable:expression" form.
	ErrInvalidFilter = errors.New("enrichment: invalid filter")
)

// ConfigurationError reports a dataset or geography that is not published
// to the warehouse platform.
type ConfigurationError struct {
	Kind     catalog.Kind
	ID       string
	Platform string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("enrichment: %s %q is not ready for enrichment on %s", e.Kind, e.ID, e.Platform)
}

// SubscriptionRequiredError reports a premium dataset or geography the
// caller holds no license for.
type SubscriptionRequiredError struct {
	Kind catalog.Kind
	ID   string
}

func (e *SubscriptionRequiredError) Error() string {
	return fmt.Sprintf("enrichment: not subscribed to %s %q", e.Kind, e.ID)
}

// InvalidAggregationError reports an aggregation value of unsupported shape.
type InvalidAggregationError struct {
	Value any
}

func (e *InvalidAggregationError) Error() string {
	return fmt.Sprintf("enrichment: invalid aggregation %v (%T)", e.Value, e.Value)
}

// JobFailure is the error payload of one failed warehouse job.
type JobFailure struct {
	JobID string
	Err   error
}

// WarehouseJobError collects every failed job of one enrichment call.
type WarehouseJobError struct {
	Failures []JobFailure
	Total    int
}

func (e *WarehouseJobError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = fmt.Sprintf("job %s: %v", f.JobID, f.Err)
	}
	return fmt.Sprintf("enrichment: %d of %d jobs failed: %s", len(e.Failures), e.Total, strings.Join(msgs, "; "))
}

func (e *WarehouseJobError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
