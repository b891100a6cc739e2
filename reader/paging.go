package reader

import (
	"fmt"
	"sort"
	"time"

	"hvcollector/models"
)

// Page is one request window, inclusive on both ends.
type Page struct {
	From time.Time
	To   time.Time
}

// Pages splits rng into consecutive windows of at most spanDays days.
func Pages(rng models.DateRange, spanDays int) []Page {
	if spanDays <= 0 || rng.To.Before(rng.From) {
		return nil
	}
	var pages []Page
	for from := rng.From; !from.After(rng.To); from = from.AddDate(0, 0, spanDays) {
		to := from.AddDate(0, 0, spanDays-1)
		if to.After(rng.To) {
			to = rng.To
		}
		pages = append(pages, Page{From: from, To: to})
	}
	return pages
}

// Contains reports whether the snapshot date d falls inside the page.
func (p Page) Contains(d time.Time) bool {
	return !d.Before(p.From) && !d.After(p.To)
}

// CheckContiguous fails with IncompleteSeries when an empty page sits
// between two pages that returned rows. Leading and trailing empty pages
// are history that starts late or ends early.
func CheckContiguous(p models.Provider, asset string, counts []int) error {
	first, last := -1, -1
	for i, n := range counts {
		if n > 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	for i := first + 1; first >= 0 && i < last; i++ {
		if counts[i] == 0 {
			return models.NewError(models.KindIncompleteSeries, p, asset,
				fmt.Errorf("page %d of %d returned no rows between populated pages", i+1, len(counts)))
		}
	}
	return nil
}

// SortByDate orders observations by date and keeps the last of any
// duplicate dates.
func SortByDate(obs []models.RawObservation) []models.RawObservation {
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].Date.Before(obs[j].Date) })
	out := obs[:0]
	for _, o := range obs {
		if n := len(out); n > 0 && out[n-1].Date.Equal(o.Date) {
			out[n-1] = o
			continue
		}
		out = append(out, o)
	}
	return out
}

// StartOfDay is midnight UTC of the page's first day.
func (p Page) StartOfDay() time.Time {
	return time.Date(p.From.Year(), p.From.Month(), p.From.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay is the last millisecond of the page's last UTC day.
func (p Page) EndOfDay() time.Time {
	return time.Date(p.To.Year(), p.To.Month(), p.To.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, 1).Add(-time.Millisecond)
}
