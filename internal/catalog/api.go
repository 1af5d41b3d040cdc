package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cartodb/observatory-cli/pkg/doapi"
)

// API adapts the metadata REST client to Catalog.
type API struct {
	client  doapi.Client
	subsTTL time.Duration

	mu        sync.Mutex
	subs      *Subscriptions
	fetchedAt time.Time
}

// NewAPI wraps a metadata client. The subscription list is memoized for one
// minute so that validating many datasets costs one request.
func NewAPI(client doapi.Client) *API {
	return &API{client: client, subsTTL: time.Minute}
}

func (a *API) Variable(ctx context.Context, idOrSlug string) (*Variable, error) {
	v, err := a.client.GetVariable(ctx, idOrSlug)
	if err != nil {
		return nil, notFound(err, KindVariable, idOrSlug)
	}
	return &Variable{
		ID:          v.ID,
		Slug:        v.Slug,
		Name:        v.Name,
		Description: v.Description,
		ColumnName:  v.ColumnName,
		DBType:      v.DBType,
		DatasetID:   v.DatasetID,
		AggMethod:   v.AggMethod,
	}, nil
}

func (a *API) Dataset(ctx context.Context, id string) (*Dataset, error) {
	d, err := a.client.GetDataset(ctx, id)
	if err != nil {
		return nil, notFound(err, KindDataset, id)
	}
	return &Dataset{
		ID:           d.ID,
		Slug:         d.Slug,
		Name:         d.Name,
		GeographyID:  d.GeographyID,
		IsPublicData: d.IsPublicData,
		AvailableIn:  d.AvailableIn,
	}, nil
}

func (a *API) Geography(ctx context.Context, id string) (*Geography, error) {
	g, err := a.client.GetGeography(ctx, id)
	if err != nil {
		return nil, notFound(err, KindGeography, id)
	}
	return &Geography{
		ID:           g.ID,
		Slug:         g.Slug,
		Name:         g.Name,
		IsPublicData: g.IsPublicData,
		AvailableIn:  g.AvailableIn,
	}, nil
}

func (a *API) IsSubscribed(ctx context.Context, kind Kind, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.subs == nil || time.Since(a.fetchedAt) > a.subsTTL {
		s, err := a.client.GetSubscriptions(ctx)
		if err != nil {
			return false, eris.Wrap(err, "catalog: fetch subscriptions")
		}
		a.subs = &Subscriptions{Datasets: s.Datasets, Geographies: s.Geographies}
		a.fetchedAt = time.Now()
	}
	return a.subs.Has(kind, id), nil
}

func notFound(err error, kind Kind, id string) error {
	if errors.Is(err, doapi.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return eris.Wrapf(err, "catalog: resolve %s %s", kind, id)
}
