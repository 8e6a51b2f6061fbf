package recorder_test

import (
	"bytes"
	"encoding/csv"
	"os"
	"path"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/trafficmon/internal/recorder"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
)

var (
	testConfig = model.TestConfig{
		{Name: "ap", Value: "ap1"},
		{Name: "band", Value: "5g"},
	}
	keys    = testConfig.Keys()
	columns = []string{"sta0", "sta1"}
)

func interval(aggregate int64, increased bool) *model.IntervalResult {
	return &model.IntervalResult{
		TestID: testConfig.ID(),
		Config: testConfig,
		End:    time.Now(),
		Deltas: []model.EndpointDelta{
			{ID: "sta0", Delta: aggregate / 2},
			{ID: "sta1", Delta: aggregate - aggregate/2},
		},
		Aggregate:        aggregate,
		Expected:         aggregate,
		Increased:        increased,
		MeetsExpectation: true,
	}
}

func readAll(t *testing.T, b []byte) [][]string {
	records, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	testingx.Must(t, err, "cannot parse CSV")
	return records
}

func TestRecorder_Record(t *testing.T) {
	detailed := &bytes.Buffer{}
	summary := &bytes.Buffer{}
	r := recorder.New(detailed, summary, keys, columns)

	aggregates := []int64{100, 300, 200, 300}
	for i, a := range aggregates {
		err := r.Record(interval(a, i != 2))
		testingx.Must(t, err, "Record failed")
		// Every row must be readable as soon as Record returns.
		if got := len(readAll(t, detailed.Bytes())); got != i+2 {
			t.Fatalf("after %d intervals, detailed stream has %d records", i+1, got)
		}
	}
	if summary.Len() != 0 {
		t.Errorf("summary written before Flush")
	}

	records := readAll(t, detailed.Bytes())
	wantHeader := []string{"ap", "band", spec.ColumnMaxThroughput, spec.ColumnExpected,
		spec.ColumnTestID, spec.ColumnPassFail, spec.ColumnEpoch, spec.ColumnTime,
		spec.ColumnMonitor, "sta0", "sta1"}
	if !reflect.DeepEqual(records[0], wantHeader) {
		t.Errorf("detailed header = %v, want %v", records[0], wantHeader)
	}
	for i, rec := range records[1:] {
		if len(rec) != len(wantHeader) {
			t.Errorf("row %d has %d fields, want %d", i, len(rec), len(wantHeader))
		}
		if rec[2] != strconv.FormatInt(aggregates[i], 10) {
			t.Errorf("row %d aggregate = %s, want %d", i, rec[2], aggregates[i])
		}
		if rec[8] != spec.DeltaMarker {
			t.Errorf("row %d monitor = %s", i, rec[8])
		}
	}
	if records[3][5] != spec.Fail || records[1][5] != spec.Pass {
		t.Errorf("wrong pass/fail column: %v / %v", records[1][5], records[3][5])
	}

	// The best interval is the first one with the highest aggregate.
	best := r.Best()
	if best == nil || best.Aggregate != 300 {
		t.Fatalf("Best() = %v, want aggregate 300", best)
	}

	testingx.Must(t, r.Flush(), "Flush failed")
	testingx.Must(t, r.Flush(), "second Flush failed")
	sum := readAll(t, summary.Bytes())
	if len(sum) != 2 {
		t.Fatalf("summary has %d records, want header + 1 row", len(sum))
	}
	if !reflect.DeepEqual(sum[0], recorder.SummaryHeader(keys)) {
		t.Errorf("summary header = %v", sum[0])
	}
	if !reflect.DeepEqual(sum[1], best.SummaryRecord()) {
		t.Errorf("summary row = %v, want %v", sum[1], best.SummaryRecord())
	}
}

func TestRecorder_FlushWithoutIntervals(t *testing.T) {
	detailed := &bytes.Buffer{}
	summary := &bytes.Buffer{}
	r := recorder.New(detailed, summary, keys, columns)
	testingx.Must(t, r.Flush(), "Flush failed")
	if detailed.Len() != 0 {
		t.Errorf("detailed header written without any interval")
	}
	if got := len(readAll(t, summary.Bytes())); got != 1 {
		t.Errorf("summary has %d records, want header only", got)
	}
}

func TestRecorder_MissingEndpoint(t *testing.T) {
	detailed := &bytes.Buffer{}
	r := recorder.New(detailed, &bytes.Buffer{}, keys, []string{"sta0", "sta1", "sta2"})
	testingx.Must(t, r.Record(interval(10, true)), "Record failed")
	rec := readAll(t, detailed.Bytes())[1]
	if tail := rec[len(rec)-3:]; !reflect.DeepEqual(tail, []string{"5", "5", ""}) {
		t.Errorf("delta columns = %v", tail)
	}
}

func TestCreate(t *testing.T) {
	dir := path.Join(t.TempDir(), "csv")
	r, err := recorder.Create(dir, "run", keys, columns)
	testingx.Must(t, err, "Create failed")
	testingx.Must(t, r.Record(interval(10, true)), "Record failed")
	testingx.Must(t, r.Flush(), "Flush failed")
	testingx.Must(t, r.Close(), "Close failed")

	for name, want := range map[string]int{"run.csv": 2, "run-summary.csv": 2} {
		b, err := os.ReadFile(path.Join(dir, name))
		testingx.Must(t, err, "cannot read %s", name)
		if got := len(readAll(t, b)); got != want {
			t.Errorf("%s has %d records, want %d", name, got, want)
		}
	}
}
