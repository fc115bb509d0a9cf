// Package store reads the intermediate Parquet back for interpolation and
// performs the mandatory (person, time) ordering pass. The filter stage makes
// no ordering promise across its workers, so the sort always runs. Ties at
// the same instant order closing events before opening ones, so a
// same-second link handoff always reads as leave-then-enter downstream.
//
// Two engines mirror the filter/conversion split upstream of them: DuckDB
// performs an external sort with bounded memory and streams the result, and
// is the default; the arrow engine sorts in memory and suits small runs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/trajflow/trajflow/internal/model"
	"github.com/trajflow/trajflow/pkg/config"
)

// Reader streams sorted filtered events from the intermediate store.
type Reader struct {
	Engine string // config.EngineDuckDB | config.EngineArrow
	Path   string
}

// ReadSorted invokes emit for every record ordered by (person, time).
// Returning an error from emit aborts the read.
func (r *Reader) ReadSorted(ctx context.Context, emit func(model.FilteredEvent) error) (int64, error) {
	switch r.Engine {
	case config.EngineArrow:
		return r.readSortedArrow(ctx, emit)
	default:
		return r.readSortedDuckDB(ctx, emit)
	}
}

// readSortedDuckDB lets DuckDB's external sort handle arbitrarily large
// intermediates; rows are consumed as a stream.
func (r *Reader) readSortedDuckDB(ctx context.Context, emit func(model.FilteredEvent) error) (int64, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return 0, fmt.Errorf("failed to open duckdb: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT person, type, time, link, interval_id
		 FROM read_parquet(?)
		 ORDER BY person, time,
		   CASE WHEN type IN ('LeaveLink', 'ActivityEnd') THEN 0 ELSE 1 END`, r.Path)
	if err != nil {
		return 0, fmt.Errorf("intermediate sort failed: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}

		var rec model.FilteredEvent
		var link sql.NullString
		if err := rows.Scan(&rec.Person, &rec.Type, &rec.Time, &link, &rec.IntervalID); err != nil {
			return count, fmt.Errorf("intermediate row %d: %w", count, err)
		}
		rec.Link = link.String
		if err := emit(rec); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("intermediate read: %w", err)
	}
	return count, nil
}

// readSortedArrow loads the store into memory and sorts it there.
func (r *Reader) readSortedArrow(ctx context.Context, emit func(model.FilteredEvent) error) (int64, error) {
	recs, err := readAll(ctx, r.Path)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := &recs[i], &recs[j]
		if a.Person != b.Person {
			return a.Person < b.Person
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return closeRank(a.Type) < closeRank(b.Type)
	})
	for i := range recs {
		select {
		case <-ctx.Done():
			return int64(i), ctx.Err()
		default:
		}
		if err := emit(recs[i]); err != nil {
			return int64(i), err
		}
	}
	return int64(len(recs)), nil
}

// closeRank orders closing events before opening events at the same instant.
// Must agree with the CASE expression in the DuckDB query.
func closeRank(eventType string) int {
	if eventType == model.EventLeaveLink || eventType == model.EventActivityEnd {
		return 0
	}
	return 1
}

// readAll materializes the whole intermediate store.
func readAll(ctx context.Context, path string) ([]model.FilteredEvent, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("open intermediate %q: %w", path, err)
	}
	defer rdr.Close()

	arrowRdr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 65536}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("intermediate reader: %w", err)
	}
	table, err := arrowRdr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("intermediate read: %w", err)
	}
	defer table.Release()

	recs := make([]model.FilteredEvent, 0, table.NumRows())
	tr := array.NewTableReader(table, 65536)
	defer tr.Release()

	for tr.Next() {
		rec := tr.Record()
		person := rec.Column(0).(*array.String)
		typ := rec.Column(1).(*array.String)
		times := rec.Column(2).(*array.Float64)
		link := rec.Column(3).(*array.String)
		interval := rec.Column(4).(*array.Int32)

		for i := 0; i < int(rec.NumRows()); i++ {
			fe := model.FilteredEvent{
				Person:     person.Value(i),
				Type:       typ.Value(i),
				Time:       times.Value(i),
				IntervalID: interval.Value(i),
			}
			if link.IsValid(i) {
				fe.Link = link.Value(i)
			}
			recs = append(recs, fe)
		}
	}
	return recs, nil
}
