package events

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/trajflow/trajflow/internal/log"
	"github.com/trajflow/trajflow/internal/model"
)

// warnSampleLimit caps how many individual record warnings are logged; the
// totals are always reported in Stats.
const warnSampleLimit = 20

// Filter applies the active predicate set to the event stream: inclusive
// time-window membership, link validity against the network, and record
// well-formedness. Record-level failures never abort the stage.
type Filter struct {
	Intervals [][2]float64        // inclusive [start, end] pairs, seconds
	LinkIDs   map[string]struct{} // read-only, shared across workers
	Workers   int
	ChunkSize int
}

// Stats summarizes one filter run.
type Stats struct {
	Scanned       int64
	Passed        int64
	Malformed     int64
	OutsideWindow int64
	InvalidLink   int64
}

// Run streams the event source through the worker pool into the sink.
// Workers filter disjoint chunks and share no mutable state; filtered chunks
// reach the sink in completion order. Any worker error aborts the whole
// stage via context cancellation.
func (f *Filter) Run(ctx context.Context, r io.Reader, sink *ParquetSink) (Stats, error) {
	var stats Stats

	g, ctx := errgroup.WithContext(ctx)
	chunks := make(chan []rawEvent, f.Workers*2)
	results := make(chan []model.FilteredEvent, f.Workers*2)

	sc := &scanner{chunkSize: f.ChunkSize}
	g.Go(func() error {
		defer close(chunks)
		return sc.scan(ctx, r, chunks)
	})

	var wg sync.WaitGroup
	for i := 0; i < f.Workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return f.work(ctx, chunks, results, &stats)
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case recs, ok := <-results:
				if !ok {
					return nil
				}
				if len(recs) == 0 {
					continue
				}
				if err := sink.WriteBatch(recs); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return stats, err
	}

	logger := log.WithStage("filter")
	logger.Info().
		Int64("scanned", stats.Scanned).
		Int64("passed", stats.Passed).
		Int64("malformed", stats.Malformed).
		Int64("outside_window", stats.OutsideWindow).
		Int64("invalid_link", stats.InvalidLink).
		Msg("event filtering complete")
	return stats, nil
}

// work filters chunks until the channel closes.
func (f *Filter) work(ctx context.Context, chunks <-chan []rawEvent, results chan<- []model.FilteredEvent, stats *Stats) error {
	logger := log.WithStage("filter")
	var warned int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}

			out := make([]model.FilteredEvent, 0, len(chunk)/4)
			for i := range chunk {
				atomic.AddInt64(&stats.Scanned, 1)
				rec, verdict := f.apply(&chunk[i])
				switch verdict {
				case verdictPass:
					atomic.AddInt64(&stats.Passed, 1)
					out = append(out, rec)
				case verdictMalformed:
					atomic.AddInt64(&stats.Malformed, 1)
					if atomic.AddInt64(&warned, 1) <= warnSampleLimit {
						logger.Warn().Str("type", chunk[i].Type).Str("person", chunk[i].Person).
							Msg("dropping malformed event record")
					}
				case verdictOutsideWindow:
					atomic.AddInt64(&stats.OutsideWindow, 1)
				case verdictInvalidLink:
					atomic.AddInt64(&stats.InvalidLink, 1)
					if atomic.AddInt64(&warned, 1) <= warnSampleLimit {
						logger.Warn().Str("link", chunk[i].Link).
							Msg("dropping event referencing unknown link")
					}
				}
			}

			select {
			case results <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type verdict uint8

const (
	verdictPass verdict = iota
	verdictMalformed
	verdictOutsideWindow
	verdictInvalidLink
)

// apply evaluates the predicate conjunction for one event.
func (f *Filter) apply(raw *rawEvent) (model.FilteredEvent, verdict) {
	if raw.Type == "" || raw.Person == "" || raw.Time == "" {
		return model.FilteredEvent{}, verdictMalformed
	}
	t, err := strconv.ParseFloat(raw.Time, 64)
	if err != nil || t < 0 {
		return model.FilteredEvent{}, verdictMalformed
	}

	intervalID := int32(-1)
	for i, iv := range f.Intervals {
		if t >= iv[0] && t <= iv[1] { // inclusive on both bounds
			intervalID = int32(i)
			break
		}
	}
	if intervalID < 0 {
		return model.FilteredEvent{}, verdictOutsideWindow
	}

	if raw.Link != "" {
		if _, ok := f.LinkIDs[raw.Link]; !ok {
			return model.FilteredEvent{}, verdictInvalidLink
		}
	}

	return model.FilteredEvent{
		Person:     raw.Person,
		Type:       raw.Type,
		Time:       t,
		Link:       raw.Link,
		IntervalID: intervalID,
	}, verdictPass
}
