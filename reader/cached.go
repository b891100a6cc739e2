package reader

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"hvcollector/internal/cache"
	"hvcollector/logger"
	"hvcollector/models"
)

// Cached wraps src so successful fragments are served from c for ttl.
// Failures are never cached. A nil cache returns src unchanged.
func Cached(src Source, c cache.Cache, ttl time.Duration) Source {
	if c == nil {
		return src
	}
	base := &cachedSource{src: src, cache: c, ttl: ttl, log: logger.GetLogger()}
	if ds, ok := src.(DerivativesSource); ok {
		return &cachedDerivativesSource{cachedSource: base, deriv: ds}
	}
	return base
}

type cachedSource struct {
	src   Source
	cache cache.Cache
	ttl   time.Duration
	log   *logger.Log
}

func (c *cachedSource) Provider() models.Provider { return c.src.Provider() }

func (c *cachedSource) Ping(ctx context.Context) error { return c.src.Ping(ctx) }

func (c *cachedSource) FetchSeries(ctx context.Context, asset models.AssetSpec, rng models.DateRange) Outcome {
	return c.through(ctx, "series", asset, rng, c.src.FetchSeries)
}

type cachedDerivativesSource struct {
	*cachedSource
	deriv DerivativesSource
}

func (c *cachedDerivativesSource) FetchDerivatives(ctx context.Context, asset models.AssetSpec, rng models.DateRange) Outcome {
	return c.through(ctx, "derivatives", asset, rng, c.deriv.FetchDerivatives)
}

type fetchFunc func(context.Context, models.AssetSpec, models.DateRange) Outcome

func (c *cachedSource) through(ctx context.Context, kind string, asset models.AssetSpec, rng models.DateRange, fetch fetchFunc) Outcome {
	key := cacheKey(c.src.Provider(), kind, asset, rng)
	log := c.log.WithComponent("cache").WithFields(logger.Fields{"key": key})

	if b, ok, err := c.cache.Get(ctx, key); err != nil {
		log.WithError(err).Warn("cache read failed")
	} else if ok {
		var f models.Fragment
		if err := json.Unmarshal(b, &f); err == nil {
			log.Debug("cache hit")
			out := Success(&f)
			out.Cached = true
			return out
		}
		log.Warn("discarding undecodable cache entry")
	}

	out := fetch(ctx, asset, rng)
	if out.Kind != models.OutcomeSuccess || out.Fragment == nil {
		return out
	}
	if b, err := json.Marshal(out.Fragment); err == nil {
		if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
			log.WithError(err).Warn("cache write failed")
		}
	}
	return out
}

func cacheKey(p models.Provider, kind string, asset models.AssetSpec, rng models.DateRange) string {
	k, _ := asset.Key(p)
	return strings.Join([]string{
		string(p), kind, asset.Symbol, k,
		rng.From.UTC().Format(time.RFC3339), rng.To.UTC().Format(time.RFC3339),
	}, "|")
}
