package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ctisec/misp-postgres-ingester/logging"
	"github.com/ctisec/misp-postgres-ingester/misp"
	"github.com/ctisec/misp-postgres-ingester/warehouse"
)

type fakeFetcher struct {
	attrs    []misp.Attribute
	fetchErr error
	events   map[int64]misp.Event
	eventErr error
}

func (f *fakeFetcher) FetchAttributesFull(ctx context.Context, pageSize int) ([]misp.Attribute, error) {
	return f.attrs, f.fetchErr
}

func (f *fakeFetcher) FetchAttributesDelta(ctx context.Context, since time.Time) ([]misp.Attribute, error) {
	return f.attrs, f.fetchErr
}

func (f *fakeFetcher) FetchEvents(ctx context.Context, ids []int64) (map[int64]misp.Event, error) {
	if f.eventErr != nil {
		return nil, f.eventErr
	}
	if f.events != nil {
		return f.events, nil
	}
	return map[int64]misp.Event{}, nil
}

type fakeLoader struct {
	upsertErr error
	loadErr   error
	loaded    int
}

func (l *fakeLoader) UpsertRun(ctx context.Context, events []warehouse.EventRow, correlations []warehouse.CorrelationRow) error {
	return l.upsertErr
}

func (l *fakeLoader) LoadAttributes(ctx context.Context, rows []warehouse.AttributeRow, chunkSize int) error {
	if l.loadErr != nil {
		return l.loadErr
	}
	l.loaded += len(rows)
	return nil
}

type fakeCheckpoint struct {
	stored  *time.Time
	saveErr error
	saves   int
}

func (c *fakeCheckpoint) Load(ctx context.Context) (*time.Time, error) { return c.stored, nil }

func (c *fakeCheckpoint) WindowStart(last *time.Time, now time.Time) time.Time {
	if last != nil {
		return *last
	}
	return now.Add(-4 * time.Hour)
}

func (c *fakeCheckpoint) Save(ctx context.Context, t time.Time) error {
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves++
	return nil
}

func testRunner(f Fetcher, l Loader, c Checkpoint) *Runner {
	return NewRunner(f, l, c, logging.NewComponentLogger("test", "0"), nil, Options{})
}

func TestDeltaFetchFailureLeavesCheckpoint(t *testing.T) {
	cp := &fakeCheckpoint{}
	r := testRunner(&fakeFetcher{fetchErr: errors.New("boom")}, &fakeLoader{}, cp)

	if err := r.RunDelta(context.Background()); err == nil {
		t.Fatal("expected error from failed fetch")
	}
	if cp.saves != 0 {
		t.Errorf("checkpoint advanced after failed fetch: %d saves", cp.saves)
	}
}

func TestEventResolveFailureLeavesCheckpoint(t *testing.T) {
	cp := &fakeCheckpoint{}
	r := testRunner(&fakeFetcher{
		attrs:    []misp.Attribute{{ID: 1, EventID: 10}},
		eventErr: errors.New("event fetch aborted"),
	}, &fakeLoader{}, cp)

	if err := r.RunDelta(context.Background()); err == nil {
		t.Fatal("expected error from failed event resolution")
	}
	if cp.saves != 0 {
		t.Errorf("checkpoint advanced after failed event resolution: %d saves", cp.saves)
	}
}

func TestLoadFailureLeavesCheckpoint(t *testing.T) {
	cp := &fakeCheckpoint{}
	r := testRunner(&fakeFetcher{
		attrs: []misp.Attribute{{ID: 1, EventID: 10}},
	}, &fakeLoader{loadErr: errors.New("copy failed")}, cp)

	err := r.RunDelta(context.Background())
	if err == nil {
		t.Fatal("expected error from failed bulk load")
	}
	if !strings.Contains(err.Error(), "checkpoint unchanged") {
		t.Errorf("load failure should report the checkpoint untouched: %v", err)
	}
	if cp.saves != 0 {
		t.Errorf("checkpoint advanced after failed load: %d saves", cp.saves)
	}
}

func TestUpsertFailureLeavesCheckpoint(t *testing.T) {
	cp := &fakeCheckpoint{}
	r := testRunner(&fakeFetcher{
		attrs: []misp.Attribute{{ID: 1, EventID: 10}},
	}, &fakeLoader{upsertErr: errors.New("conflict path down")}, cp)

	if err := r.RunDelta(context.Background()); err == nil {
		t.Fatal("expected error from failed upsert")
	}
	if cp.saves != 0 {
		t.Errorf("checkpoint advanced after failed upsert: %d saves", cp.saves)
	}
}

func TestEmptyDeltaEndsWithoutAdvancing(t *testing.T) {
	cp := &fakeCheckpoint{}
	loader := &fakeLoader{}
	r := testRunner(&fakeFetcher{}, loader, cp)

	if err := r.RunDelta(context.Background()); err != nil {
		t.Fatalf("empty delta must end cleanly: %v", err)
	}
	if cp.saves != 0 {
		t.Errorf("empty delta advanced the checkpoint: %d saves", cp.saves)
	}
	if loader.loaded != 0 {
		t.Errorf("empty delta loaded %d rows", loader.loaded)
	}
}

func TestSuccessfulDeltaAdvancesCheckpoint(t *testing.T) {
	cp := &fakeCheckpoint{}
	loader := &fakeLoader{}
	r := testRunner(&fakeFetcher{
		attrs:  []misp.Attribute{{ID: 1, EventID: 10}, {ID: 2, EventID: 10}},
		events: map[int64]misp.Event{10: {ID: 10, Info: "campaign"}},
	}, loader, cp)

	if err := r.RunDelta(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp.saves != 1 {
		t.Errorf("got %d checkpoint saves, want 1", cp.saves)
	}
	if loader.loaded != 2 {
		t.Errorf("got %d rows loaded, want 2", loader.loaded)
	}
}

func TestCheckpointWriteFailureIsReportedDistinctly(t *testing.T) {
	cp := &fakeCheckpoint{saveErr: errors.New("db gone")}
	r := testRunner(&fakeFetcher{
		attrs: []misp.Attribute{{ID: 1, EventID: 10}},
	}, &fakeLoader{}, cp)

	err := r.RunDelta(context.Background())
	if err == nil {
		t.Fatal("expected error from failed checkpoint write")
	}
	if !strings.Contains(err.Error(), "load committed but checkpoint not advanced") {
		t.Errorf("checkpoint write failure must not read as an aborted load: %v", err)
	}
	if strings.Contains(err.Error(), "checkpoint unchanged") {
		t.Errorf("checkpoint write failure mislabeled as pre-load abort: %v", err)
	}
}

func TestUniqueEventIDs(t *testing.T) {
	attrs := []misp.Attribute{
		{EventID: 42},
		{EventID: 7},
		{EventID: 42},
		{EventID: 100},
		{EventID: 7},
	}

	got := uniqueEventIDs(attrs)
	want := []int64{7, 42, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUniqueEventIDsEmpty(t *testing.T) {
	if ids := uniqueEventIDs(nil); len(ids) != 0 {
		t.Errorf("expected empty slice, got %v", ids)
	}
}
