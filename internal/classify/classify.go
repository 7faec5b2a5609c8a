// Package classify assigns ÖV-Güteklassen to stations from their trip counts.
package classify

import (
	"context"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/oev-cli/internal/trips"
)

// Category is the verdict for one station.
type Category struct {
	Class     Class   `json:"class"`
	Frequency float64 `json:"frequency"`
}

// Classified reports whether the station received a real class.
func (c Category) Classified() bool { return c.Class != Unclassified }

// Classify derives the class of a station with childCount boarding points
// and the given per-mode departure counts in window.
//
// Counts of all grouped modes are summed, but the thresholds and class row
// of the best group present decide the verdict. Modes without a group are
// ignored.
func Classify(childCount int, counts map[trips.Mode]int, cfg *Config, window trips.TimeWindow) Category {
	var (
		total   int
		winner  Group
		matched bool
	)
	for mode, n := range counts {
		g, ok := cfg.GroupOf(mode)
		if !ok {
			continue
		}
		total += n
		if !matched || g.Better(winner) {
			winner = g
			matched = true
		}
	}
	if total == 0 {
		return Category{Class: Unclassified}
	}

	// Interchanges with several platforms usually list the same service
	// once per platform. This halving is a calibration policy.
	divisor := 1.0
	if childCount > 1 {
		divisor = 2
	}
	freq := window.Minutes() / (float64(total) / divisor)

	bucket := 0
	for i, th := range cfg.ThresholdsFor(winner) {
		if freq <= th {
			bucket = i + 1
			break
		}
	}
	if bucket == 0 {
		return Category{Class: Unclassified, Frequency: freq}
	}

	row := bucket - 2
	if row < 0 || row >= len(cfg.Categories) {
		return Category{Class: Unclassified, Frequency: freq}
	}
	class, ok := cfg.Categories[row][winner.Name]
	if !ok {
		return Category{Class: Unclassified, Frequency: freq}
	}
	return Category{Class: class, Frequency: freq}
}

// ClassifyAll classifies every station using up to workers goroutines.
// The result is index-aligned with stations.
func ClassifyAll(ctx context.Context, stations []trips.StationTrips, cfg *Config, window trips.TimeWindow, workers int) ([]Category, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]Category, len(stations))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range stations {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			out[i] = Classify(stations[i].ChildCount, stations[i].TripCount, cfg, window)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	classified := 0
	for _, c := range out {
		if c.Classified() {
			classified++
		}
	}
	zap.L().Info("stations classified",
		zap.String("component", "classify"),
		zap.Int("stations", len(stations)),
		zap.Int("classified", classified),
	)
	return out, nil
}
