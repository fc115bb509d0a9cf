// Package config loads and validates the YAML pipeline configuration.
// Invalid configuration is rejected before any stage runs.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trajflow/trajflow/pkg/storage/object"
)

// Sampling cadences.
const (
	CadenceFine   = "fine"   // 1-second sampling
	CadenceCoarse = "coarse" // 20-second sampling
)

// Open-segment policies for agents whose last link has no closing event.
const (
	OpenSegmentsTruncate    = "truncate"    // drop the open segment
	OpenSegmentsExtrapolate = "extrapolate" // close it at sampling.simulation_end
	OpenSegmentsClip        = "clip"        // close it at the admitting interval's end
)

// Sort engines for the mandatory (person,time) ordering pass.
const (
	EngineDuckDB = "duckdb"
	EngineArrow  = "arrow"
)

// Config is the complete pipeline configuration.
type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Filters    FiltersConfig    `yaml:"filters"`
	Processing ProcessingConfig `yaml:"processing"`
	Sampling   SamplingConfig   `yaml:"sampling"`
	Engine     EngineConfig     `yaml:"engine"`
	Network    NetworkConfig    `yaml:"network"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`

	SkipXMLToParquet     bool `yaml:"skip_xml_to_parquet"`
	SkipParquetToGeoJSON bool `yaml:"skip_parquet_to_geojson"`
}

// PathsConfig declares pipeline inputs and outputs. EventInput and Output may
// be s3:// URIs; the network source, cache and intermediate store are local.
type PathsConfig struct {
	EventInput   string `yaml:"event_input"`
	NetworkInput string `yaml:"network_input"`
	Intermediate string `yaml:"intermediate"`
	Output       string `yaml:"output"`
}

// TimeInterval is an inclusive [Start, End] window in HH:MM.
type TimeInterval struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// IsZero reports whether the interval was left unset.
func (ti TimeInterval) IsZero() bool {
	return ti.Start == "" && ti.End == ""
}

// Seconds returns the interval bounds as seconds from midnight.
func (ti TimeInterval) Seconds() (start, end float64, err error) {
	start, err = parseHHMM(ti.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err = parseHHMM(ti.End)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// FiltersConfig holds the time-window predicates. Interval 2 is optional.
type FiltersConfig struct {
	TimeInterval1 TimeInterval `yaml:"time_interval_1"`
	TimeInterval2 TimeInterval `yaml:"time_interval_2"`
}

// Intervals returns the configured intervals as [start,end] second pairs.
func (f FiltersConfig) Intervals() ([][2]float64, error) {
	var out [][2]float64
	for i, ti := range []TimeInterval{f.TimeInterval1, f.TimeInterval2} {
		if ti.IsZero() {
			continue
		}
		start, end, err := ti.Seconds()
		if err != nil {
			return nil, fmt.Errorf("time_interval_%d: %w", i+1, err)
		}
		out = append(out, [2]float64{start, end})
	}
	return out, nil
}

// ProcessingConfig controls the filter-stage worker pool.
type ProcessingConfig struct {
	NumWorkers int `yaml:"num_workers"` // 0 = NumCPU
	ChunkSize  int `yaml:"chunk_size"`  // events per worker chunk
}

// SamplingConfig controls the interpolation stage.
type SamplingConfig struct {
	Cadence       string `yaml:"cadence"`        // fine | coarse
	OpenSegments  string `yaml:"open_segments"`  // truncate | extrapolate | clip
	SimulationEnd string `yaml:"simulation_end"` // HH:MM, required for extrapolate
}

// IntervalSeconds maps the cadence to its sampling step.
func (s SamplingConfig) IntervalSeconds() float64 {
	if s.Cadence == CadenceCoarse {
		return 20
	}
	return 1
}

// EngineConfig selects the sort engine for the intermediate store.
type EngineConfig struct {
	Default string `yaml:"default"` // duckdb | arrow
}

// NetworkConfig describes the network source dataset.
type NetworkConfig struct {
	EPSG      int    `yaml:"epsg"`       // source CRS: 4326 or 3857
	CachePath string `yaml:"cache_path"` // optional; derived from the intermediate dir when empty
}

// TelemetryConfig enables optional OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Processing: ProcessingConfig{
			NumWorkers: runtime.NumCPU(),
			ChunkSize:  100000,
		},
		Sampling: SamplingConfig{
			Cadence: CadenceFine,
		},
		Engine: EngineConfig{
			Default: EngineDuckDB,
		},
		Network: NetworkConfig{
			EPSG: 4326,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads, merges over defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if cfg.Processing.NumWorkers == 0 {
		cfg.Processing.NumWorkers = runtime.NumCPU()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration. Every violation is a configuration
// error; the pipeline never starts with a partially valid config.
func (c *Config) Validate() error {
	if c.Paths.EventInput == "" {
		return fmt.Errorf("paths.event_input is required")
	}
	if c.Paths.NetworkInput == "" {
		return fmt.Errorf("paths.network_input is required")
	}
	if c.Paths.Intermediate == "" {
		return fmt.Errorf("paths.intermediate is required")
	}
	if c.Paths.Output == "" {
		return fmt.Errorf("paths.output is required")
	}
	if object.IsRemote(c.Paths.NetworkInput) {
		return fmt.Errorf("paths.network_input must be a local file")
	}
	if object.IsRemote(c.Paths.Intermediate) {
		return fmt.Errorf("paths.intermediate must be a local file")
	}

	if c.Filters.TimeInterval1.IsZero() {
		return fmt.Errorf("filters.time_interval_1 is required")
	}
	intervals, err := c.Filters.Intervals()
	if err != nil {
		return err
	}
	for i, iv := range intervals {
		if iv[1] < iv[0] {
			return fmt.Errorf("time_interval_%d: end %s before start %s",
				i+1, secondsToHHMM(iv[1]), secondsToHHMM(iv[0]))
		}
	}

	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.num_workers must be >= 1")
	}
	if c.Processing.ChunkSize < 1 {
		return fmt.Errorf("processing.chunk_size must be >= 1")
	}

	switch c.Sampling.Cadence {
	case CadenceFine, CadenceCoarse:
	default:
		return fmt.Errorf("sampling.cadence must be %q or %q", CadenceFine, CadenceCoarse)
	}
	switch c.Sampling.OpenSegments {
	case OpenSegmentsTruncate, OpenSegmentsClip:
	case OpenSegmentsExtrapolate:
		if c.Sampling.SimulationEnd == "" {
			return fmt.Errorf("sampling.simulation_end is required with open_segments: extrapolate")
		}
		if _, err := parseHHMM(c.Sampling.SimulationEnd); err != nil {
			return fmt.Errorf("sampling.simulation_end: %w", err)
		}
	case "":
		return fmt.Errorf("sampling.open_segments must be set explicitly (truncate, extrapolate or clip)")
	default:
		return fmt.Errorf("sampling.open_segments: unknown policy %q", c.Sampling.OpenSegments)
	}

	switch c.Engine.Default {
	case EngineDuckDB, EngineArrow:
	default:
		return fmt.Errorf("engine.default must be %q or %q", EngineDuckDB, EngineArrow)
	}

	switch c.Network.EPSG {
	case 4326, 3857:
	default:
		return fmt.Errorf("network.epsg %d not supported (4326 and 3857 only)", c.Network.EPSG)
	}

	return nil
}

// SimulationEndSeconds returns sampling.simulation_end in seconds. Only
// meaningful after Validate when the extrapolate policy is configured.
func (c *Config) SimulationEndSeconds() float64 {
	sec, _ := parseHHMM(c.Sampling.SimulationEnd)
	return sec
}

func parseHHMM(s string) (float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if h < 0 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q: hours >= 0, minutes 0-59", s)
	}
	return float64(h*3600 + m*60), nil
}

func secondsToHHMM(sec float64) string {
	s := int(sec)
	return fmt.Sprintf("%02d:%02d", s/3600, (s%3600)/60)
}
