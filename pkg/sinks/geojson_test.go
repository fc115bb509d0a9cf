package sinks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/trajflow/trajflow/internal/model"
)

func TestWriterProducesValidFeatureCollection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "traj.geojson")
	w, err := NewGeoJSONWriter(path)
	if err != nil {
		t.Fatalf("NewGeoJSONWriter() error: %v", err)
	}

	samples := []model.Sample{
		{Person: "a1", Time: 25200, Point: orb.Point{13.4, 52.5}, Bearing: 90, Link: "l1", Speed: 0.8},
		{Person: "a1", Time: 25201, Point: orb.Point{13.41, 52.5}, Bearing: 90.5, Link: "l1", Speed: 0.8},
		{Person: "a2", Time: 25200, Point: orb.Point{13.5, 52.6}, Speed: 0},
	}
	for _, s := range samples {
		if err := w.Write(s); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if w.Features() != 3 {
		t.Errorf("Features() = %d, want 3", w.Features())
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("output is not valid GeoJSON: %v", err)
	}
	if len(fc.Features) != 3 {
		t.Fatalf("parsed %d features, want 3", len(fc.Features))
	}

	f := fc.Features[0]
	if pt, ok := f.Geometry.(orb.Point); !ok || pt != (orb.Point{13.4, 52.5}) {
		t.Errorf("feature 0 geometry = %v", f.Geometry)
	}
	if got := f.Properties.MustString("id"); got != "a1" {
		t.Errorf("id = %q, want a1", got)
	}
	if got := f.Properties.MustString("t"); got != "2024/01/01 07:00:00" {
		t.Errorf("t = %q, want 2024/01/01 07:00:00", got)
	}
	if got := f.Properties.MustFloat64("a"); got != 90 {
		t.Errorf("a = %g, want 90", got)
	}
	if got := f.Properties.MustFloat64("s"); got != 0.8 {
		t.Errorf("s = %g, want 0.8", got)
	}
	if got := f.Properties.MustString("l"); got != "l1" {
		t.Errorf("l = %q, want l1", got)
	}

	// Stationary samples carry no link property at all.
	if _, has := fc.Features[2].Properties["l"]; has {
		t.Error("stationary feature must not carry a link property")
	}
}

func TestEmptyCollection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.geojson")
	w, err := NewGeoJSONWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := geojson.UnmarshalFeatureCollection(data); err != nil {
		t.Errorf("empty collection invalid: %v", err)
	}
}

func TestAbortLeavesNoOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traj.geojson")
	w, err := NewGeoJSONWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(model.Sample{Person: "a", Point: orb.Point{1, 2}})
	w.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("aborted output exists at %s", path)
	}
}
