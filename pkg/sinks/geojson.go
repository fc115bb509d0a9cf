// Package sinks writes the reconstructed trajectories to their final
// destination as a GeoJSON FeatureCollection.
package sinks

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/paulmach/orb/geojson"

	"github.com/trajflow/trajflow/internal/model"
	"github.com/trajflow/trajflow/pkg/storage/object"
)

// GeoJSONWriter streams samples into a FeatureCollection without holding the
// collection in memory. The file is written through a pending temp file and
// only takes its final name on Close, so a crash mid-run never leaves a
// half-written output. Remote (s3://) destinations are staged locally and
// uploaded on Close.
type GeoJSONWriter struct {
	destination string
	remote      bool

	pending   *renameio.PendingFile
	stage     *os.File
	stagePath string
	buf       *bufio.Writer
	features  int64
}

// NewGeoJSONWriter opens the writer and emits the collection header.
func NewGeoJSONWriter(path string) (*GeoJSONWriter, error) {
	w := &GeoJSONWriter{destination: path, remote: object.IsRemote(path)}

	if w.remote {
		f, err := os.CreateTemp("", "trajflow-out-*.geojson")
		if err != nil {
			return nil, fmt.Errorf("failed to stage output: %w", err)
		}
		w.stage = f
		w.stagePath = f.Name()
		w.buf = bufio.NewWriterSize(f, 1<<20)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		pf, err := renameio.NewPendingFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open output: %w", err)
		}
		w.pending = pf
		w.buf = bufio.NewWriterSize(pf, 1<<20)
	}

	if _, err := w.buf.WriteString(`{"type":"FeatureCollection","features":[`); err != nil {
		w.discard()
		return nil, err
	}
	return w, nil
}

// Write appends one sample as a point feature.
func (w *GeoJSONWriter) Write(s model.Sample) error {
	f := geojson.NewFeature(s.Point)
	f.Properties = geojson.Properties{
		"id": s.Person,
		"t":  model.Timestamp(s.Time),
		"a":  s.Bearing,
	}
	if s.Speed >= 0 { // undefined for zero-duration traversals
		f.Properties["s"] = s.Speed
	}
	if s.Link != "" {
		f.Properties["l"] = s.Link
	}
	data, err := f.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode feature: %w", err)
	}

	if w.features > 0 {
		if err := w.buf.WriteByte(','); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	w.features++
	return nil
}

// Features returns the number of features written so far.
func (w *GeoJSONWriter) Features() int64 { return w.features }

// Close terminates the collection and publishes the output: rename into place
// for local paths, upload for s3:// destinations.
func (w *GeoJSONWriter) Close(ctx context.Context) error {
	if _, err := w.buf.WriteString("]}"); err != nil {
		w.discard()
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.discard()
		return err
	}

	if w.remote {
		defer os.Remove(w.stagePath)
		if err := w.stage.Close(); err != nil {
			return fmt.Errorf("failed to finalize staged output: %w", err)
		}
		if err := object.Put(ctx, w.stagePath, w.destination); err != nil {
			return fmt.Errorf("failed to upload output: %w", err)
		}
		return nil
	}
	if err := w.pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to finalize output: %w", err)
	}
	return nil
}

// Abort discards everything written so far.
func (w *GeoJSONWriter) Abort() { w.discard() }

func (w *GeoJSONWriter) discard() {
	if w.remote {
		w.stage.Close()
		os.Remove(w.stagePath)
		return
	}
	if w.pending != nil {
		w.pending.Cleanup()
	}
}
