package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oev-cli/internal/trips"
)

const (
	modeRail  trips.Mode = 2
	modeBus   trips.Mode = 3
	modeFerry trips.Mode = 4
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Groups: []GroupConfig{
			{Name: "rail", Modes: []trips.Mode{modeRail}},
			{Name: "bus", Modes: []trips.Mode{modeBus}},
		},
		DefaultThresholds: []float64{5, 10, 20, 40, 60},
		Thresholds: map[string][]float64{
			"bus": {10, 20, 30, 45, 60},
		},
		Categories: []map[string]Class{
			{"rail": 1, "bus": 2},
			{"rail": 2, "bus": 3},
			{"rail": 3, "bus": 4},
			{"rail": 4},
		},
		Classification: map[Class]map[Radius]Class{
			1: {300: 1, 500: 2},
			2: {300: 2},
			3: {300: 3},
			4: {300: 4},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

var dayWindow = trips.NewTimeWindow(6*3600, 20*3600)

func TestClassify_BusScenario(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	got := Classify(1, map[trips.Mode]int{modeBus: 28}, cfg, dayWindow)
	assert.InDelta(t, 30.0, got.Frequency, 1e-9)
	// 30 fits the third bucket, which is category row 1.
	assert.Equal(t, cfg.Categories[1]["bus"], got.Class)
	assert.Equal(t, Class(3), got.Class)
}

func TestClassify_RailTooInfrequent(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	got := Classify(2, map[trips.Mode]int{modeRail: 14}, cfg, dayWindow)
	assert.Equal(t, Category{Class: Unclassified, Frequency: 120}, got)
}

func TestClassify_NoTrips(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	assert.Equal(t, Category{Class: Unclassified}, Classify(1, map[trips.Mode]int{}, cfg, dayWindow))
	assert.Equal(t, Category{Class: Unclassified}, Classify(3, nil, cfg, dayWindow))
	assert.Equal(t, Category{Class: Unclassified}, Classify(1, map[trips.Mode]int{modeBus: 0}, cfg, dayWindow))
}

func TestClassify_UngroupedModesIgnored(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	assert.Equal(t, Category{Class: Unclassified}, Classify(1, map[trips.Mode]int{modeFerry: 500}, cfg, dayWindow))

	withFerry := Classify(1, map[trips.Mode]int{modeBus: 28, modeFerry: 500}, cfg, dayWindow)
	assert.Equal(t, Classify(1, map[trips.Mode]int{modeBus: 28}, cfg, dayWindow), withFerry)
}

func TestClassify_BestGroupDecides(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	// 28 bus + 28 rail: frequency 15 under rail thresholds is bucket 3.
	got := Classify(1, map[trips.Mode]int{modeBus: 28, modeRail: 28}, cfg, dayWindow)
	assert.InDelta(t, 15.0, got.Frequency, 1e-9)
	assert.Equal(t, Class(2), got.Class)
}

func TestClassify_FirstBucketHasNoRow(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	// 840 minutes / 168 trips = 5, which only fits the first rail bucket.
	got := Classify(1, map[trips.Mode]int{modeRail: 168}, cfg, dayWindow)
	assert.Equal(t, Category{Class: Unclassified, Frequency: 5}, got)
}

func TestClassify_MissingCategoryEntry(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	// Bucket 5 for bus maps to row 3, which has no bus entry.
	got := Classify(1, map[trips.Mode]int{modeBus: 840 / 45}, cfg, dayWindow)
	assert.Equal(t, Unclassified, got.Class)
	assert.Greater(t, got.Frequency, 40.0)
}

func TestClassify_Monotonic(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	for _, mode := range []trips.Mode{2, 700, 900} {
		for _, children := range []int{1, 2} {
			prev := Classify(children, map[trips.Mode]int{mode: 1}, cfg, dayWindow)
			for n := 2; n <= 2000; n++ {
				cur := Classify(children, map[trips.Mode]int{mode: n}, cfg, dayWindow)
				assert.LessOrEqual(t, cur.Frequency, prev.Frequency)
				if prev.Classified() {
					require.True(t, cur.Classified() || cur.Frequency <= cfg.DefaultThresholds[0],
						"mode %d n %d lost its class", mode, n)
					if cur.Classified() {
						assert.LessOrEqual(t, cur.Class, prev.Class, "mode %d n %d", mode, n)
					}
				}
				prev = cur
			}
		}
	}
}

func TestClassifyAll_PreservesOrder(t *testing.T) {
	cfg := testConfig(t)
	stations := []trips.StationTrips{
		{StationID: "a", ChildCount: 1, TripCount: map[trips.Mode]int{modeBus: 28}},
		{StationID: "b", ChildCount: 2, TripCount: map[trips.Mode]int{modeRail: 14}},
		{StationID: "c", ChildCount: 1},
	}

	got, err := ClassifyAll(context.Background(), stations, cfg, dayWindow, 2)
	require.NoError(t, err)
	assert.Equal(t, []Category{
		{Class: 3, Frequency: 30},
		{Class: Unclassified, Frequency: 120},
		{Class: Unclassified},
	}, got)
}

func TestClassifyAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stations := []trips.StationTrips{{StationID: "a"}}
	_, err := ClassifyAll(ctx, stations, testConfig(t), dayWindow, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
