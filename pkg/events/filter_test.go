package events

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func testFilter() *Filter {
	return &Filter{
		Intervals: [][2]float64{{25200, 32400}, {59400, 64800}},
		LinkIDs:   map[string]struct{}{"l1": {}, "l2": {}},
		Workers:   2,
		ChunkSize: 4,
	}
}

func TestApplyVerdicts(t *testing.T) {
	f := testFilter()
	tests := []struct {
		name         string
		raw          rawEvent
		want         verdict
		wantInterval int32
	}{
		{"inside first window", rawEvent{Type: "EnterLink", Time: "26000", Person: "p", Link: "l1"}, verdictPass, 0},
		{"inside second window", rawEvent{Type: "EnterLink", Time: "60000", Person: "p", Link: "l1"}, verdictPass, 1},
		{"window start inclusive", rawEvent{Type: "EnterLink", Time: "25200", Person: "p", Link: "l1"}, verdictPass, 0},
		{"window end inclusive", rawEvent{Type: "EnterLink", Time: "32400", Person: "p", Link: "l1"}, verdictPass, 0},
		{"just before window", rawEvent{Type: "EnterLink", Time: "25199.9", Person: "p", Link: "l1"}, verdictOutsideWindow, 0},
		{"just after window", rawEvent{Type: "EnterLink", Time: "32400.1", Person: "p", Link: "l1"}, verdictOutsideWindow, 0},
		{"between windows", rawEvent{Type: "EnterLink", Time: "40000", Person: "p", Link: "l1"}, verdictOutsideWindow, 0},
		{"unknown link", rawEvent{Type: "EnterLink", Time: "26000", Person: "p", Link: "l999"}, verdictInvalidLink, 0},
		{"linkless event passes", rawEvent{Type: "ActivityStart", Time: "26000", Person: "p"}, verdictPass, 0},
		{"missing type", rawEvent{Time: "26000", Person: "p"}, verdictMalformed, 0},
		{"missing person", rawEvent{Type: "EnterLink", Time: "26000"}, verdictMalformed, 0},
		{"missing time", rawEvent{Type: "EnterLink", Person: "p"}, verdictMalformed, 0},
		{"unparseable time", rawEvent{Type: "EnterLink", Time: "noon", Person: "p"}, verdictMalformed, 0},
		{"negative time", rawEvent{Type: "EnterLink", Time: "-5", Person: "p"}, verdictMalformed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := f.apply(&tt.raw)
			if got != tt.want {
				t.Fatalf("apply() verdict = %d, want %d", got, tt.want)
			}
			if got == verdictPass && rec.IntervalID != tt.wantInterval {
				t.Errorf("apply() interval = %d, want %d", rec.IntervalID, tt.wantInterval)
			}
		})
	}
}

const testEventLog = `<?xml version="1.0" encoding="utf-8"?>
<events version="1.0">
<event time="25200" type="EnterLink" person="a1" link="l1"/>
<event time="25260" type="LeaveLink" person="a1" link="l1"/>
<event time="25260" type="EnterLink" person="a1" link="l2"/>
<event time="25320" type="LeaveLink" person="a1" link="l2"/>
<event time="10000" type="EnterLink" person="a2" link="l1"/>
<event time="26000" type="EnterLink" person="a2" link="unknown"/>
<event time="26100" type="ActivityStart" person="a2"/>
<event time="bad" type="EnterLink" person="a3" link="l1"/>
</events>
`

func runTestFilter(t *testing.T, dir string) (Stats, *ParquetSink) {
	t.Helper()
	sink, err := NewParquetSink(filepath.Join(dir, "filtered.parquet"), map[string]string{"source": "test"})
	if err != nil {
		t.Fatalf("NewParquetSink() error: %v", err)
	}
	stats, err := testFilter().Run(context.Background(), strings.NewReader(testEventLog), sink)
	if err != nil {
		sink.Abort()
		t.Fatalf("Run() error: %v", err)
	}
	return stats, sink
}

func TestRunStats(t *testing.T) {
	stats, sink := runTestFilter(t, t.TempDir())
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	want := Stats{Scanned: 8, Passed: 5, Malformed: 1, OutsideWindow: 1, InvalidLink: 1}
	if stats != want {
		t.Errorf("Run() stats = %+v, want %+v", stats, want)
	}
	if sink.RowsWritten() != 5 {
		t.Errorf("RowsWritten() = %d, want 5", sink.RowsWritten())
	}
}

func TestRunIdempotent(t *testing.T) {
	first, sinkA := runTestFilter(t, t.TempDir())
	sinkA.Close()
	second, sinkB := runTestFilter(t, t.TempDir())
	sinkB.Close()

	if first != second {
		t.Errorf("stats differ across identical runs: %+v vs %+v", first, second)
	}
}

func TestRunSinkError(t *testing.T) {
	sink, err := NewParquetSink(filepath.Join(t.TempDir(), "filtered.parquet"), nil)
	if err != nil {
		t.Fatal(err)
	}
	sink.Abort() // closed sink forces WriteBatch failures

	_, err = testFilter().Run(context.Background(), strings.NewReader(testEventLog), sink)
	if err == nil {
		t.Fatal("Run() = nil error, want sink failure")
	}
}
