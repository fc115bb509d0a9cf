package interpolate

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/trajflow/trajflow/internal/log"
	"github.com/trajflow/trajflow/internal/model"
	"github.com/trajflow/trajflow/pkg/network"
)

// AgentStats counts one interpolation run.
type AgentStats struct {
	Agents       int64
	Samples      int64
	MissingLink  int64 // segments referencing a link absent from the network
	BadGeometry  int64 // segments on links with fewer than two vertices
	SkippedStops int64 // activities with no position anchor
	BuildStats
}

// Interpolator samples agent segments at a fixed cadence along link geometry.
// The arc-length cache makes it single-goroutine; the network itself is
// read-only and may be shared, so concurrent consumers each take their own
// Interpolator.
type Interpolator struct {
	Net     *network.Network
	Step    float64 // seconds between samples
	Builder SegmentBuilder

	arcs map[string][]float64 // link id -> cumulative vertex distances, meters
}

// Agent reconstructs one agent's trajectory and emits its samples in time
// order. Segment-level problems (missing links, unanchored activities) skip
// the segment and count it; they never fail the agent.
func (ip *Interpolator) Agent(person string, events []model.FilteredEvent, stats *AgentStats, emit func(model.Sample) error) error {
	logger := log.WithStage("interpolate")
	segs := ip.Builder.Build(person, events, &stats.BuildStats)
	stats.Agents++

	for i := range segs {
		seg := &segs[i]
		if seg.Activity {
			if err := ip.sampleActivity(seg, stats, emit); err != nil {
				return err
			}
			continue
		}

		link := ip.Net.Link(seg.Link)
		if link == nil {
			stats.MissingLink++
			logger.Warn().Str("person", person).Str("link", seg.Link).
				Msg("segment references a link missing from the network, skipping")
			continue
		}
		if len(link.Geometry) < 2 {
			stats.BadGeometry++
			logger.Warn().Str("person", person).Str("link", seg.Link).
				Msg("segment on a link with degenerate geometry, skipping")
			continue
		}
		if err := ip.sampleMovement(seg, link, emit, stats); err != nil {
			return err
		}
	}
	return nil
}

// sampleMovement walks the link geometry by arc length. A traversal of
// duration D yields floor(D/step)+1 samples at entry + k*step; a zero-length
// interval still yields the entry sample.
func (ip *Interpolator) sampleMovement(seg *Segment, link *model.Link, emit func(model.Sample) error, stats *AgentStats) error {
	cum := ip.arc(link)
	total := cum[len(cum)-1]
	dur := seg.End - seg.Start

	speed := -1.0
	if dur > 0 {
		speed = math.Round((link.Length/dur)/link.Freespeed*10) / 10
	}

	n := 1
	if dur > 0 {
		n = int(math.Floor(dur/ip.Step)) + 1
	}
	for k := 0; k < n; k++ {
		t := seg.Start + float64(k)*ip.Step
		frac := 0.0
		if dur > 0 {
			frac = (t - seg.Start) / dur
		}
		pt, bearing := pointAlong(link.Geometry, cum, frac*total)
		if err := emit(model.Sample{
			Person:  seg.Person,
			Time:    t,
			Point:   pt,
			Bearing: bearing,
			Link:    link.ID,
			Speed:   speed,
		}); err != nil {
			return err
		}
		stats.Samples++
	}
	return nil
}

// sampleActivity emits fixed-position samples for a stationary stretch.
func (ip *Interpolator) sampleActivity(seg *Segment, stats *AgentStats, emit func(model.Sample) error) error {
	if seg.AnchorLink == "" {
		stats.SkippedStops++
		return nil
	}
	link := ip.Net.Link(seg.AnchorLink)
	if link == nil {
		stats.MissingLink++
		return nil
	}
	if len(link.Geometry) < 2 {
		stats.BadGeometry++
		return nil
	}
	// Hold the position and heading the agent arrived with (or will leave
	// with, for a leading activity).
	last := len(link.Geometry) - 1
	pt := link.Geometry[last]
	bearing := normBearing(link.Geometry[last-1], link.Geometry[last])
	if seg.AnchorAtStart {
		pt = link.Geometry[0]
		bearing = normBearing(link.Geometry[0], link.Geometry[1])
	}

	dur := seg.End - seg.Start
	n := 1
	if dur > 0 {
		n = int(math.Floor(dur/ip.Step)) + 1
	}
	for k := 0; k < n; k++ {
		if err := emit(model.Sample{
			Person:  seg.Person,
			Time:    seg.Start + float64(k)*ip.Step,
			Point:   pt,
			Bearing: bearing,
			Speed:   0,
		}); err != nil {
			return err
		}
		stats.Samples++
	}
	return nil
}

// arc returns the cumulative vertex distances of a link, cached per
// Interpolator.
func (ip *Interpolator) arc(link *model.Link) []float64 {
	if ip.arcs == nil {
		ip.arcs = make(map[string][]float64)
	}
	if cum, ok := ip.arcs[link.ID]; ok {
		return cum
	}
	line := link.Geometry
	cum := make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum[i] = cum[i-1] + geo.Distance(line[i-1], line[i])
	}
	ip.arcs[link.ID] = cum
	return cum
}

// pointAlong locates the point at the given arc-length offset and the bearing
// of the vertex pair bracketing it, normalized to [0, 360).
func pointAlong(line orb.LineString, cum []float64, target float64) (orb.Point, float64) {
	last := len(line) - 1
	if target <= 0 {
		return line[0], normBearing(line[0], line[1])
	}
	if target >= cum[last] {
		return line[last], normBearing(line[last-1], line[last])
	}

	// cum is sorted; find the bracketing pair.
	i := 1
	for cum[i] < target {
		i++
	}
	a, b := line[i-1], line[i]
	segLen := cum[i] - cum[i-1]
	f := 0.0
	if segLen > 0 {
		f = (target - cum[i-1]) / segLen
	}
	pt := orb.Point{
		a[0] + (b[0]-a[0])*f,
		a[1] + (b[1]-a[1])*f,
	}
	return pt, normBearing(a, b)
}

func normBearing(a, b orb.Point) float64 {
	d := geo.Bearing(a, b)
	if d < 0 {
		d += 360
	}
	return math.Mod(d, 360)
}
