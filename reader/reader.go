// Package reader defines the contract shared by the upstream SourceClients
// and the helpers they use to page through provider history.
package reader

import (
	"context"
	"errors"

	"hvcollector/models"
)

// Outcome is the closed result set of a SourceClient call: Success carries a
// fragment, Unsupported means skip this source for the asset, Retriable
// means the source failed after exhausting its own retries.
type Outcome struct {
	Kind     models.OutcomeKind
	Fragment *models.Fragment
	Err      error
	Cached   bool
}

func Success(f *models.Fragment) Outcome {
	return Outcome{Kind: models.OutcomeSuccess, Fragment: f}
}

func Unsupported(err error) Outcome {
	return Outcome{Kind: models.OutcomeUnsupported, Err: err}
}

func Retriable(err error) Outcome {
	return Outcome{Kind: models.OutcomeRetriable, Err: err}
}

// FromError maps a fetch error onto an Outcome. UnsupportedAsset and
// BadRequest are terminal for the source; everything else is Retriable.
func FromError(err error) Outcome {
	if errors.Is(err, models.ErrUnsupportedAsset) || errors.Is(err, models.ErrBadRequest) {
		return Unsupported(err)
	}
	return Retriable(err)
}

// Source is one upstream provider.
type Source interface {
	Provider() models.Provider
	FetchSeries(ctx context.Context, asset models.AssetSpec, rng models.DateRange) Outcome
	Ping(ctx context.Context) error
}

// DerivativesSource can also supply funding and open-interest fields on
// their own.
type DerivativesSource interface {
	Source
	FetchDerivatives(ctx context.Context, asset models.AssetSpec, rng models.DateRange) Outcome
}

// Unsupportedf builds an UnsupportedAsset error for a provider.
func Unsupportedf(p models.Provider, asset string, err error) error {
	return models.NewError(models.KindUnsupportedAsset, p, asset, err)
}
