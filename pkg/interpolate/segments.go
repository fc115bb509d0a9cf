// Package interpolate reconstructs per-agent trajectories from the sorted
// filtered-event stream: it pairs events into movement and activity segments,
// then samples each segment at the configured cadence.
package interpolate

import (
	"github.com/trajflow/trajflow/internal/log"
	"github.com/trajflow/trajflow/internal/model"
	"github.com/trajflow/trajflow/pkg/config"
)

// Segment is one contiguous stretch of an agent's day: either a traversal of
// a single link or a stationary activity. Times are inclusive.
type Segment struct {
	Person     string
	Start      float64
	End        float64
	IntervalID int32

	// Movement segments.
	Link string

	// Activity segments. The anchor names the link whose geometry fixes the
	// stationary position: the end of the preceding link, or the start of the
	// following one when the activity opens the agent's record.
	Activity      bool
	AnchorLink    string
	AnchorAtStart bool
}

// BuildStats counts per-agent pairing anomalies.
type BuildStats struct {
	Segments      int64
	Unpaired      int64 // events with no matching open/close partner
	OpenTruncated int64 // open segments dropped by the truncate policy
	OpenClosed    int64 // open segments closed by extrapolate or clip
	Unanchored    int64 // activities with no neighboring link to anchor to
}

// SegmentBuilder pairs an agent's sorted events into segments and applies the
// open-segment policy to whatever is left open when the record ends.
type SegmentBuilder struct {
	Policy        string       // config.OpenSegments*
	SimulationEnd float64      // seconds, used by extrapolate
	Intervals     [][2]float64 // admitting windows, used by clip
}

// Build consumes one agent's events, ordered by time. Events that cannot be
// paired (a leave without an enter, a duplicate enter) are dropped and
// counted; they never abort the agent.
func (b *SegmentBuilder) Build(person string, events []model.FilteredEvent, stats *BuildStats) []Segment {
	logger := log.WithStage("interpolate")
	segs := make([]Segment, 0, len(events)/2)

	var open *Segment
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case model.EventEnterLink:
			if open != nil {
				stats.Unpaired++
				logger.Debug().Str("person", person).Float64("time", ev.Time).
					Msg("enter while a segment is still open, dropping the open segment")
			}
			open = &Segment{
				Person:     person,
				Start:      ev.Time,
				IntervalID: ev.IntervalID,
				Link:       ev.Link,
			}

		case model.EventLeaveLink:
			if open == nil || open.Activity || open.Link != ev.Link {
				stats.Unpaired++
				open = nil
				continue
			}
			open.End = ev.Time
			segs = append(segs, *open)
			open = nil

		case model.EventActivityStart:
			if open != nil {
				stats.Unpaired++
			}
			open = &Segment{
				Person:     person,
				Start:      ev.Time,
				IntervalID: ev.IntervalID,
				Activity:   true,
			}

		case model.EventActivityEnd:
			if open == nil || !open.Activity {
				stats.Unpaired++
				open = nil
				continue
			}
			open.End = ev.Time
			segs = append(segs, *open)
			open = nil
		}
	}

	if open != nil {
		if end, ok := b.closeOpen(open); ok {
			open.End = end
			segs = append(segs, *open)
			stats.OpenClosed++
		} else {
			stats.OpenTruncated++
		}
	}

	anchorActivities(segs, stats)
	stats.Segments += int64(len(segs))
	return segs
}

// closeOpen resolves the end time of a segment left open at the end of the
// agent's record. Returns false when the segment must be dropped.
func (b *SegmentBuilder) closeOpen(s *Segment) (float64, bool) {
	switch b.Policy {
	case config.OpenSegmentsExtrapolate:
		if b.SimulationEnd > s.Start {
			return b.SimulationEnd, true
		}
		return 0, false
	case config.OpenSegmentsClip:
		if int(s.IntervalID) < len(b.Intervals) {
			if end := b.Intervals[s.IntervalID][1]; end >= s.Start {
				return end, true
			}
		}
		return 0, false
	default: // truncate
		return 0, false
	}
}

// anchorActivities resolves each activity's stationary position from the
// nearest movement segment: the preceding link's end, else the following
// link's start. Activities with no neighbor at all are dropped later by the
// sampler, which counts them.
func anchorActivities(segs []Segment, stats *BuildStats) {
	prevLink := ""
	for i := range segs {
		if !segs[i].Activity {
			prevLink = segs[i].Link
			continue
		}
		if prevLink != "" {
			segs[i].AnchorLink = prevLink
			continue
		}
		for j := i + 1; j < len(segs); j++ {
			if !segs[j].Activity {
				segs[i].AnchorLink = segs[j].Link
				segs[i].AnchorAtStart = true
				break
			}
		}
		if segs[i].AnchorLink == "" {
			stats.Unanchored++
		}
	}
}
