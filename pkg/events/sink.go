package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/trajflow/trajflow/internal/model"
)

// IntermediateSchema is the columnar layout of the filtered-event store.
var IntermediateSchema = arrow.NewSchema([]arrow.Field{
	{Name: "person", Type: arrow.BinaryTypes.String},
	{Name: "type", Type: arrow.BinaryTypes.String},
	{Name: "time", Type: arrow.PrimitiveTypes.Float64},
	{Name: "link", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "interval_id", Type: arrow.PrimitiveTypes.Int32},
}, nil)

// ParquetSink writes filtered events to the intermediate Parquet store.
// It writes to a temp file and renames on success, so a crash mid-write
// never leaves a half-written intermediate behind.
type ParquetSink struct {
	mu sync.Mutex

	path        string
	tempPath    string
	writer      *pqarrow.FileWriter
	schema      *arrow.Schema
	alloc       memory.Allocator
	rowsWritten int64
	startTime   time.Time
}

// NewParquetSink opens the sink. Metadata keys are stamped into the Parquet
// footer for lineage.
func NewParquetSink(path string, metadata map[string]string) (*ParquetSink, error) {
	s := &ParquetSink{
		path:      path,
		alloc:     memory.DefaultAllocator,
		startTime: time.Now(),
	}

	keys := []string{"trajflow.created_at"}
	values := []string{s.startTime.UTC().Format(time.RFC3339)}
	for k, v := range metadata {
		keys = append(keys, "trajflow."+k)
		values = append(values, v)
	}
	meta := arrow.NewMetadata(keys, values)
	schema := arrow.NewSchema(IntermediateSchema.Fields(), &meta)
	s.schema = schema

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	s.tempPath = path + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	f, err := os.Create(s.tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
		parquet.WithCreatedBy("trajflow"),
	)
	w, err := pqarrow.NewFileWriter(schema, f, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		f.Close()
		os.Remove(s.tempPath)
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	s.writer = w
	return s, nil
}

// WriteBatch appends one filtered chunk. Batches arrive in worker-completion
// order; the store makes no ordering promise.
func (s *ParquetSink) WriteBatch(recs []model.FilteredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return fmt.Errorf("sink not open")
	}

	personB := array.NewStringBuilder(s.alloc)
	typeB := array.NewStringBuilder(s.alloc)
	timeB := array.NewFloat64Builder(s.alloc)
	linkB := array.NewStringBuilder(s.alloc)
	intervalB := array.NewInt32Builder(s.alloc)
	defer func() {
		personB.Release()
		typeB.Release()
		timeB.Release()
		linkB.Release()
		intervalB.Release()
	}()

	for i := range recs {
		personB.Append(recs[i].Person)
		typeB.Append(recs[i].Type)
		timeB.Append(recs[i].Time)
		if recs[i].Link == "" {
			linkB.AppendNull()
		} else {
			linkB.Append(recs[i].Link)
		}
		intervalB.Append(recs[i].IntervalID)
	}

	cols := []arrow.Array{
		personB.NewArray(), typeB.NewArray(), timeB.NewArray(),
		linkB.NewArray(), intervalB.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	rec := array.NewRecord(s.schema, cols, int64(len(recs)))
	defer rec.Release()

	if err := s.writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	s.rowsWritten += int64(len(recs))
	return nil
}

// RowsWritten returns the number of rows written so far.
func (s *ParquetSink) RowsWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowsWritten
}

// Close finalizes the file and atomically renames it into place.
func (s *ParquetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return fmt.Errorf("sink not open")
	}
	if err := s.writer.Close(); err != nil {
		os.Remove(s.tempPath)
		s.writer = nil
		return fmt.Errorf("failed to close writer: %w", err)
	}
	s.writer = nil

	if err := os.Rename(s.tempPath, s.path); err != nil {
		os.Remove(s.tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Abort discards the temp file after a failed stage.
func (s *ParquetSink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
	if s.tempPath != "" {
		os.Remove(s.tempPath)
	}
}
