// Package processor merges the fragments a resolution produced into one
// calendar-complete daily series per asset.
package processor

import (
	"fmt"
	"time"

	"hvcollector/logger"
	"hvcollector/models"
)

// Aligner builds CanonicalSeries from prioritized fragments.
type Aligner struct {
	snapshotHour int
	log          *logger.Log
}

func NewAligner(snapshotHour int) *Aligner {
	return &Aligner{snapshotHour: snapshotHour, log: logger.GetLogger()}
}

type prioritized struct {
	provider models.Provider
	byDay    map[time.Time]models.RawObservation
}

// Align merges fragments, highest priority first. The span runs from the
// first to the last date with a close in any fragment; days inside it that
// no fragment prices are explicit gaps. For each day the price fields come
// together from the first fragment with a close, and the derivatives
// fields together from the first fragment with any derivatives field.
func (a *Aligner) Align(asset string, fragments []*models.Fragment) (*models.CanonicalSeries, error) {
	series := &models.CanonicalSeries{Asset: asset}

	sources := make([]prioritized, 0, len(fragments))
	var first, last time.Time
	priced := false

	for _, f := range fragments {
		if f == nil {
			continue
		}
		src := prioritized{provider: f.Provider, byDay: make(map[time.Time]models.RawObservation, len(f.Observations))}
		var prev time.Time
		for i, o := range f.Observations {
			if err := a.checkInstant(asset, f.Provider, o.Date); err != nil {
				return nil, err
			}
			if i > 0 && !o.Date.After(prev) {
				return nil, models.NewError(models.KindInternalConsistency, f.Provider, asset,
					fmt.Errorf("fragment dates not increasing at %s", o.Date.Format(time.DateOnly)))
			}
			prev = o.Date
			src.byDay[o.Date] = o
			if !o.HasPrice() {
				continue
			}
			if !priced || o.Date.Before(first) {
				first = o.Date
			}
			if !priced || o.Date.After(last) {
				last = o.Date
			}
			priced = true
		}
		sources = append(sources, src)
	}
	if !priced {
		return series, nil
	}

	n := int(last.Sub(first)/(24*time.Hour)) + 1
	series.Days = make([]models.SeriesDay, 0, n)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		series.Days = append(series.Days, merge(d, sources))
	}

	if err := a.verify(series); err != nil {
		return nil, err
	}
	a.log.WithComponent("aligner").WithFields(logger.Fields{
		"asset":     asset,
		"days":      series.Len(),
		"present":   series.Present(),
		"fragments": len(sources),
	}).Debug("series aligned")
	return series, nil
}

func merge(d time.Time, sources []prioritized) models.SeriesDay {
	day := models.SeriesDay{Date: d}
	obs := models.RawObservation{Date: d}

	for _, s := range sources {
		if o, ok := s.byDay[d]; ok && o.HasPrice() {
			obs.Close, obs.High, obs.Low = o.Close, o.High, o.Low
			obs.Volume, obs.QuoteVolume, obs.TradeCount = o.Volume, o.QuoteVolume, o.TradeCount
			obs.Provider = s.provider
			day.PriceProvider = s.provider
			break
		}
	}
	if day.PriceProvider == "" {
		day.Gap = true
		return day
	}

	for _, s := range sources {
		if o, ok := s.byDay[d]; ok && o.HasDerivatives() {
			obs.FundingRate, obs.FundingEvents = o.FundingRate, o.FundingEvents
			obs.OpenInterest, obs.OpenInterestValue = o.OpenInterest, o.OpenInterestValue
			day.DerivativesProvider = s.provider
			break
		}
	}
	day.Observation = obs
	return day
}

func (a *Aligner) checkInstant(asset string, p models.Provider, d time.Time) error {
	if d.Location() != time.UTC || d.Hour() != a.snapshotHour || d.Minute() != 0 || d.Second() != 0 || d.Nanosecond() != 0 {
		return models.NewError(models.KindInternalConsistency, p, asset,
			fmt.Errorf("observation date %s is not the %02d:00 UTC snapshot instant", d.Format(time.RFC3339Nano), a.snapshotHour))
	}
	return nil
}

// verify checks the output: consecutive calendar days, priced at both ends.
func (a *Aligner) verify(s *models.CanonicalSeries) error {
	for i, d := range s.Days {
		if i > 0 && !d.Date.Equal(s.Days[i-1].Date.AddDate(0, 0, 1)) {
			return models.NewError(models.KindInternalConsistency, "", s.Asset,
				fmt.Errorf("series not consecutive at %s", d.Date.Format(time.DateOnly)))
		}
	}
	if n := len(s.Days); n > 0 && (s.Days[0].Gap || s.Days[n-1].Gap) {
		return models.NewError(models.KindInternalConsistency, "", s.Asset, fmt.Errorf("series span starts or ends on a gap"))
	}
	return nil
}
