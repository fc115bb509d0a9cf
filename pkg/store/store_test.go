package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/trajflow/trajflow/internal/model"
	"github.com/trajflow/trajflow/pkg/config"
	"github.com/trajflow/trajflow/pkg/events"
)

func writeIntermediate(t *testing.T, recs []model.FilteredEvent) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filtered.parquet")
	sink, err := events.NewParquetSink(path, nil)
	if err != nil {
		t.Fatalf("NewParquetSink() error: %v", err)
	}
	if err := sink.WriteBatch(recs); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	return path
}

func TestReadSortedArrow(t *testing.T) {
	// Deliberately unsorted: mixed agents, times out of order.
	path := writeIntermediate(t, []model.FilteredEvent{
		{Person: "b", Type: model.EventLeaveLink, Time: 200, Link: "l1"},
		{Person: "a", Type: model.EventLeaveLink, Time: 150, Link: "l2"},
		{Person: "b", Type: model.EventEnterLink, Time: 100, Link: "l1"},
		{Person: "a", Type: model.EventEnterLink, Time: 50, Link: "l2"},
		{Person: "a", Type: model.EventActivityStart, Time: 160},
	})

	r := &Reader{Engine: config.EngineArrow, Path: path}
	var got []model.FilteredEvent
	n, err := r.ReadSorted(context.Background(), func(rec model.FilteredEvent) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSorted() error: %v", err)
	}
	if n != 5 || len(got) != 5 {
		t.Fatalf("ReadSorted() emitted %d rows, want 5", len(got))
	}

	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.Person < prev.Person {
			t.Fatalf("row %d: person %q after %q", i, cur.Person, prev.Person)
		}
		if cur.Person == prev.Person && cur.Time < prev.Time {
			t.Fatalf("row %d: time %g after %g for %q", i, cur.Time, prev.Time, cur.Person)
		}
	}

	// The nullable link column must round-trip empty links as empty strings.
	if got[2].Type != model.EventActivityStart || got[2].Link != "" {
		t.Errorf("activity row = %+v, want empty link", got[2])
	}
}

func TestReadSortedTieBreak(t *testing.T) {
	// A link handoff at one instant: the agent leaves l1 and enters l2 both
	// at t=10. Whatever order the batches were written in, the sorted stream
	// must read leave-then-enter or downstream pairing loses both traversals.
	permutations := [][]model.FilteredEvent{
		{
			{Person: "a", Type: model.EventEnterLink, Time: 0, Link: "l1"},
			{Person: "a", Type: model.EventLeaveLink, Time: 10, Link: "l1"},
			{Person: "a", Type: model.EventEnterLink, Time: 10, Link: "l2"},
			{Person: "a", Type: model.EventLeaveLink, Time: 15, Link: "l2"},
		},
		{
			{Person: "a", Type: model.EventEnterLink, Time: 10, Link: "l2"},
			{Person: "a", Type: model.EventLeaveLink, Time: 10, Link: "l1"},
			{Person: "a", Type: model.EventLeaveLink, Time: 15, Link: "l2"},
			{Person: "a", Type: model.EventEnterLink, Time: 0, Link: "l1"},
		},
	}
	want := []string{
		model.EventEnterLink, model.EventLeaveLink,
		model.EventEnterLink, model.EventLeaveLink,
	}
	wantLinks := []string{"l1", "l1", "l2", "l2"}

	for i, perm := range permutations {
		path := writeIntermediate(t, perm)
		r := &Reader{Engine: config.EngineArrow, Path: path}
		var got []model.FilteredEvent
		if _, err := r.ReadSorted(context.Background(), func(rec model.FilteredEvent) error {
			got = append(got, rec)
			return nil
		}); err != nil {
			t.Fatalf("permutation %d: ReadSorted() error: %v", i, err)
		}
		if len(got) != len(want) {
			t.Fatalf("permutation %d: %d rows, want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j].Type != want[j] || got[j].Link != wantLinks[j] {
				t.Errorf("permutation %d row %d: %s %s, want %s %s",
					i, j, got[j].Type, got[j].Link, want[j], wantLinks[j])
			}
		}
	}
}

func TestReadSortedEmitError(t *testing.T) {
	path := writeIntermediate(t, []model.FilteredEvent{
		{Person: "a", Type: model.EventEnterLink, Time: 1, Link: "l1"},
		{Person: "a", Type: model.EventLeaveLink, Time: 2, Link: "l1"},
	})

	r := &Reader{Engine: config.EngineArrow, Path: path}
	wantErr := context.DeadlineExceeded // any sentinel will do
	_, err := r.ReadSorted(context.Background(), func(model.FilteredEvent) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("ReadSorted() error = %v, want emit error to propagate", err)
	}
}

func TestReadSortedMissingFile(t *testing.T) {
	r := &Reader{Engine: config.EngineArrow, Path: filepath.Join(t.TempDir(), "nope.parquet")}
	if _, err := r.ReadSorted(context.Background(), func(model.FilteredEvent) error { return nil }); err == nil {
		t.Fatal("ReadSorted() = nil error for missing intermediate")
	}
}
