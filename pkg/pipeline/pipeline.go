// Package pipeline orchestrates the two-stage run: event log to filtered
// Parquet intermediate, then sorted intermediate to interpolated GeoJSON.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/trajflow/trajflow/internal/log"
	"github.com/trajflow/trajflow/internal/model"
	"github.com/trajflow/trajflow/pkg/config"
	"github.com/trajflow/trajflow/pkg/events"
	"github.com/trajflow/trajflow/pkg/interpolate"
	"github.com/trajflow/trajflow/pkg/network"
	"github.com/trajflow/trajflow/pkg/sinks"
	"github.com/trajflow/trajflow/pkg/storage/object"
	"github.com/trajflow/trajflow/pkg/store"
	"github.com/trajflow/trajflow/pkg/telemetry"
	"github.com/trajflow/trajflow/pkg/tui"
)

// Pipeline runs the full reconstruction for one configuration.
type Pipeline struct {
	cfg   *config.Config
	runID string
}

// New creates a pipeline for the given validated configuration.
func New(cfg *config.Config) *Pipeline {
	return &Pipeline{cfg: cfg, runID: uuid.NewString()}
}

// Run executes the configured stages. Any stage error aborts the run; record
// level problems inside a stage are counted and logged, never fatal.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := log.Base().With().Str("run_id", p.runID).Logger()
	started := time.Now()
	report := &tui.RunReport{OutputPath: p.cfg.Paths.Output}

	net, err := p.loadNetwork(ctx, false)
	if err != nil {
		return err
	}

	if err := p.runFilter(ctx, net, report); err != nil {
		return err
	}
	if err := p.runInterpolate(ctx, net, report); err != nil {
		return err
	}

	report.Duration = time.Since(started)
	logger.Info().
		Int64("events_scanned", report.EventsScanned).
		Int64("samples", report.Samples).
		Dur("elapsed", report.Duration).
		Msg("run complete")
	tui.PrintRunReport(report)
	return nil
}

// PrebuildCache loads the network, rebuilding the cache when stale or when
// refresh is forced. Used by the cache subcommand.
func (p *Pipeline) PrebuildCache(ctx context.Context, refresh bool) error {
	_, err := p.loadNetwork(ctx, refresh)
	return err
}

func (p *Pipeline) loadNetwork(ctx context.Context, refresh bool) (*network.Network, error) {
	ctx, span := telemetry.StartStage(ctx, "network")
	defer span.End()

	tui.PrintStage("NETWORK")
	started := time.Now()

	cachePath := p.cfg.Network.CachePath
	if cachePath == "" {
		cachePath = network.CachePathFor(p.cfg.Paths.NetworkInput, p.cfg.Paths.Intermediate)
	}
	net, err := network.Load(ctx, p.cfg.Paths.NetworkInput, cachePath, p.cfg.Network.EPSG, refresh)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("network.links", net.Len()))
	tui.PrintStageDone("network", time.Since(started), fmt.Sprintf("%d links", net.Len()))
	return net, nil
}

// runFilter streams the event log into the Parquet intermediate.
func (p *Pipeline) runFilter(ctx context.Context, net *network.Network, report *tui.RunReport) error {
	ctx, span := telemetry.StartStage(ctx, "filter")
	defer span.End()

	if p.cfg.SkipXMLToParquet {
		ok, err := object.Exists(ctx, p.cfg.Paths.Intermediate)
		if err != nil {
			return err
		}
		if ok {
			tui.PrintSkipped("filter", "existing intermediate reused (skip_xml_to_parquet)")
			return nil
		}
		lg := log.WithStage("filter")
		lg.Warn().Str("path", p.cfg.Paths.Intermediate).
			Msg("skip_xml_to_parquet set but intermediate missing, running the stage")
	}

	tui.PrintStage("FILTER")
	started := time.Now()

	intervals, err := p.cfg.Filters.Intervals()
	if err != nil {
		return err
	}

	// Progress counts raw source bytes against the on-disk size, so the bar
	// stays honest for compressed inputs.
	var bar *progressbar.ProgressBar
	r, size, err := events.OpenSource(ctx, p.cfg.Paths.EventInput, func(n int64) {
		if bar != nil {
			bar.Add64(n)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to open event input: %w", err)
	}
	defer r.Close()
	report.InputBytes = size
	bar = tui.ShowProgress(size, "  filtering")

	sink, err := events.NewParquetSink(p.cfg.Paths.Intermediate, map[string]string{
		"run_id": p.runID,
		"source": p.cfg.Paths.EventInput,
	})
	if err != nil {
		return err
	}

	filter := &events.Filter{
		Intervals: intervals,
		LinkIDs:   net.LinkIDs(),
		Workers:   p.cfg.Processing.NumWorkers,
		ChunkSize: p.cfg.Processing.ChunkSize,
	}
	stats, err := filter.Run(ctx, r, sink)
	bar.Finish()
	if err != nil {
		sink.Abort()
		return fmt.Errorf("filter stage: %w", err)
	}
	if err := sink.Close(); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.Int64("events.scanned", stats.Scanned),
		attribute.Int64("events.passed", stats.Passed),
	)
	report.EventsScanned = stats.Scanned
	report.EventsKept = stats.Passed
	tui.PrintStageDone("filter", time.Since(started),
		fmt.Sprintf("%d of %d events kept", stats.Passed, stats.Scanned))
	return nil
}

// runInterpolate reads the sorted intermediate and writes the GeoJSON output.
// Agents arrive grouped because the sort orders by (person, time).
func (p *Pipeline) runInterpolate(ctx context.Context, net *network.Network, report *tui.RunReport) error {
	ctx, span := telemetry.StartStage(ctx, "interpolate")
	defer span.End()

	if p.cfg.SkipParquetToGeoJSON {
		ok, err := object.Exists(ctx, p.cfg.Paths.Output)
		if err != nil {
			return err
		}
		if ok {
			tui.PrintSkipped("interpolate", "existing output reused (skip_parquet_to_geojson)")
			return nil
		}
		lg := log.WithStage("interpolate")
		lg.Warn().Str("path", p.cfg.Paths.Output).
			Msg("skip_parquet_to_geojson set but output missing, running the stage")
	}

	tui.PrintStage("INTERPOLATE")
	started := time.Now()

	intervals, err := p.cfg.Filters.Intervals()
	if err != nil {
		return err
	}

	writer, err := sinks.NewGeoJSONWriter(p.cfg.Paths.Output)
	if err != nil {
		return err
	}

	ip := &interpolate.Interpolator{
		Net:  net,
		Step: p.cfg.Sampling.IntervalSeconds(),
		Builder: interpolate.SegmentBuilder{
			Policy:        p.cfg.Sampling.OpenSegments,
			SimulationEnd: p.cfg.SimulationEndSeconds(),
			Intervals:     intervals,
		},
	}

	var stats interpolate.AgentStats
	var person string
	var pending []model.FilteredEvent
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := ip.Agent(person, pending, &stats, writer.Write)
		pending = pending[:0]
		return err
	}

	reader := &store.Reader{Engine: p.cfg.Engine.Default, Path: p.cfg.Paths.Intermediate}
	rows, err := reader.ReadSorted(ctx, func(rec model.FilteredEvent) error {
		if rec.Person != person {
			if err := flush(); err != nil {
				return err
			}
			person = rec.Person
		}
		pending = append(pending, rec)
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		writer.Abort()
		return fmt.Errorf("interpolate stage: %w", err)
	}
	if err := writer.Close(ctx); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.Int64("interpolate.agents", stats.Agents),
		attribute.Int64("interpolate.samples", stats.Samples),
	)
	report.Agents = stats.Agents
	report.Samples = stats.Samples
	logStats(rows, &stats)
	tui.PrintStageDone("interpolate", time.Since(started),
		fmt.Sprintf("%d agents, %d samples", stats.Agents, stats.Samples))
	return nil
}

func logStats(rows int64, stats *interpolate.AgentStats) {
	logger := log.WithStage("interpolate")
	ev := logger.Info().
		Int64("rows", rows).
		Int64("agents", stats.Agents).
		Int64("segments", stats.Segments).
		Int64("samples", stats.Samples)
	if stats.Unpaired > 0 || stats.MissingLink > 0 || stats.BadGeometry > 0 || stats.SkippedStops > 0 {
		ev = ev.Int64("unpaired_events", stats.Unpaired).
			Int64("missing_links", stats.MissingLink).
			Int64("bad_geometry", stats.BadGeometry).
			Int64("skipped_stops", stats.SkippedStops)
	}
	if stats.OpenTruncated > 0 || stats.OpenClosed > 0 {
		ev = ev.Int64("open_truncated", stats.OpenTruncated).
			Int64("open_closed", stats.OpenClosed)
	}
	ev.Msg("interpolation complete")
}
