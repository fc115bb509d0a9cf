// Package network loads the road-network dataset, reprojects it to WGS84 and
// serves link geometry through a persistent Parquet cache.
package network

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"github.com/trajflow/trajflow/internal/log"
	"github.com/trajflow/trajflow/internal/model"
)

// Network is the immutable, shared link table. It is built once before any
// parallel work begins; consumers only read from it.
type Network struct {
	links map[string]*model.Link
}

// New builds a network from a prepared link set.
func New(links []*model.Link) *Network {
	m := make(map[string]*model.Link, len(links))
	for _, l := range links {
		m[l.ID] = l
	}
	return &Network{links: m}
}

// Link returns the link with the given id, or nil.
func (n *Network) Link(id string) *model.Link {
	return n.links[id]
}

// Len returns the number of links.
func (n *Network) Len() int {
	return len(n.links)
}

// LinkIDs returns the set of valid link ids, shared read-only with the
// filter stage.
func (n *Network) LinkIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(n.links))
	for id := range n.links {
		ids[id] = struct{}{}
	}
	return ids
}

// readSource parses the GeoJSON network dataset and reprojects every
// geometry from the source EPSG to WGS84. An unparseable source is fatal.
func readSource(path string, epsg int) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network source %q: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse network source %q: %w", path, err)
	}

	logger := log.WithStage("network")
	links := make(map[string]*model.Link, len(fc.Features))
	var skipped int

	for _, f := range fc.Features {
		link, err := featureToLink(f, epsg)
		if err != nil {
			skipped++
			logger.Warn().Err(err).Msg("skipping network feature")
			continue
		}
		links[link.ID] = link
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("network features dropped during load")
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("network source %q contains no usable links", path)
	}
	return &Network{links: links}, nil
}

func featureToLink(f *geojson.Feature, epsg int) (*model.Link, error) {
	id := stringProp(f.Properties, "linkId")
	if id == "" {
		return nil, fmt.Errorf("feature without linkId")
	}

	var line orb.LineString
	switch g := f.Geometry.(type) {
	case orb.LineString:
		line = g
	case orb.MultiLineString:
		// Flatten; traversal order follows part order.
		for _, part := range g {
			line = append(line, part...)
		}
	default:
		return nil, fmt.Errorf("link %s: unsupported geometry %T", id, f.Geometry)
	}
	if len(line) < 2 {
		return nil, fmt.Errorf("link %s: degenerate geometry (%d vertices)", id, len(line))
	}
	if epsg == 3857 {
		line = project.LineString(line.Clone(), project.Mercator.ToWGS84)
	}

	length := floatProp(f.Properties, "length")
	freespeed := floatProp(f.Properties, "freespeed")
	if length <= 0 {
		return nil, fmt.Errorf("link %s: non-positive length %g", id, length)
	}
	if freespeed <= 0 {
		return nil, fmt.Errorf("link %s: non-positive freespeed %g", id, freespeed)
	}

	return &model.Link{
		ID:        id,
		From:      stringProp(f.Properties, "from"),
		To:        stringProp(f.Properties, "to"),
		Length:    length,
		Freespeed: freespeed,
		Geometry:  line,
	}, nil
}

func stringProp(p geojson.Properties, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		// Numeric ids are common in exported networks.
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

func floatProp(p geojson.Properties, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		fmt.Sscanf(v, "%g", &f)
		return f
	default:
		return 0
	}
}
