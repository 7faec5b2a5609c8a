// Package zones turns classified stations into non-overlapping class zones.
package zones

import (
	"sort"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/oev-cli/internal/classify"
	"github.com/sells-group/oev-cli/internal/trips"
)

// Candidate is one station buffer contributing to a zone class.
type Candidate struct {
	StationID string
	Class     classify.Class
	Radius    classify.Radius
	Geometry  geom.T
}

// Plan groups candidates by zone class and buffer radius.
type Plan map[classify.Class]map[classify.Radius][]Candidate

// Zone is a resolved area of one class.
type Zone struct {
	Class    classify.Class `json:"class"`
	Geometry geom.T         `json:"-"`
}

func (p Plan) add(c Candidate) {
	byRadius, ok := p[c.Class]
	if !ok {
		byRadius = make(map[classify.Radius][]Candidate)
		p[c.Class] = byRadius
	}
	byRadius[c.Radius] = append(byRadius[c.Radius], c)
}

// Len is the number of candidates in the plan.
func (p Plan) Len() int {
	n := 0
	for _, byRadius := range p {
		for _, cs := range byRadius {
			n += len(cs)
		}
	}
	return n
}

// Candidates flattens the plan ordered by class, radius and station.
func (p Plan) Candidates() []Candidate {
	out := make([]Candidate, 0, p.Len())
	for _, byRadius := range p {
		for _, cs := range byRadius {
			out = append(out, cs...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		if out[i].Radius != out[j].Radius {
			return out[i].Radius < out[j].Radius
		}
		return out[i].StationID < out[j].StationID
	})
	return out
}

// BuildPlan expands classified stations into buffer candidates. categories
// is index-aligned with stations; unclassified stations contribute nothing.
// A station may contribute to several zone classes, one per configured radius.
func BuildPlan(stations []trips.StationTrips, categories []classify.Category, cfg *classify.Config) Plan {
	plan := make(Plan)
	for i, st := range stations {
		if i >= len(categories) || !categories[i].Classified() || st.Geometry == nil {
			continue
		}
		radii := cfg.Classification[categories[i].Class]
		for _, r := range cfg.Radii(categories[i].Class) {
			plan.add(Candidate{
				StationID: st.StationID,
				Class:     radii[r],
				Radius:    r,
				Geometry:  st.Geometry,
			})
		}
	}
	return plan
}

// FromZones turns resolved zones into an unbuffered plan, so resolving it
// again reproduces the same partition.
func FromZones(zones []Zone) Plan {
	plan := make(Plan)
	for _, z := range zones {
		plan.add(Candidate{Class: z.Class, Geometry: z.Geometry})
	}
	return plan
}
