// Package trips counts scheduled departures per station and transit mode
// inside a weekday/time window.
package trips

import (
	"sort"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/oev-cli/internal/grid"
)

// Departure is one scheduled call of a trip at a child stop.
type Departure struct {
	StationID   string
	StationName string
	Geometry    geom.T
	ShardKey    grid.ShardKey
	StopID      string // child stop; counts towards ChildCount when Active
	Mode        Mode
	TripID      string
	Active      bool // weekday-mask bit of the trip for the queried day
}

// StationTrips is the per-station result of a count.
type StationTrips struct {
	StationID   string            `json:"station_id"`
	StationName string            `json:"station_name"`
	ChildCount  int               `json:"child_count"`
	Geometry    geom.T            `json:"-"`
	ShardKey    grid.ShardKey     `json:"shard_key"`
	TripCount   map[Mode]int      `json:"trip_count"`
	TripIDs     map[Mode][]string `json:"trip_ids"`
}

// Total is the number of counted departures over all modes.
func (s StationTrips) Total() int {
	n := 0
	for _, c := range s.TripCount {
		n += c
	}
	return n
}

// Aggregate groups departures by station and sums the active bits per mode.
// ChildCount is the number of child stops served by at least one active
// departure. Modes with no active departure are left out of both maps and
// stations with nothing left are dropped. Output is ordered by station id.
func Aggregate(deps []Departure) []StationTrips {
	type acc struct {
		st       StationTrips
		children map[string]struct{}
		seen     map[Mode]map[string]struct{}
	}
	byStation := make(map[string]*acc)

	for _, d := range deps {
		a, ok := byStation[d.StationID]
		if !ok {
			a = &acc{
				st: StationTrips{
					StationID:   d.StationID,
					StationName: d.StationName,
					Geometry:    d.Geometry,
					ShardKey:    d.ShardKey,
					TripCount:   make(map[Mode]int),
					TripIDs:     make(map[Mode][]string),
				},
				children: make(map[string]struct{}),
				seen:     make(map[Mode]map[string]struct{}),
			}
			byStation[d.StationID] = a
		}
		if !d.Active {
			continue
		}
		a.children[d.StopID] = struct{}{}
		a.st.TripCount[d.Mode]++
		ids := a.seen[d.Mode]
		if ids == nil {
			ids = make(map[string]struct{})
			a.seen[d.Mode] = ids
		}
		if _, dup := ids[d.TripID]; !dup {
			ids[d.TripID] = struct{}{}
			a.st.TripIDs[d.Mode] = append(a.st.TripIDs[d.Mode], d.TripID)
		}
	}

	out := make([]StationTrips, 0, len(byStation))
	for _, a := range byStation {
		if len(a.st.TripCount) == 0 {
			continue
		}
		a.st.ChildCount = len(a.children)
		for _, ids := range a.st.TripIDs {
			sort.Strings(ids)
		}
		out = append(out, a.st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out
}
