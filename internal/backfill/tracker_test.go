package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(filepath.Join(t.TempDir(), "fetched.json"), time.Second, zerolog.Nop())
}

func TestTrackerMarkDone(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	done, err := tr.DoneToday(ctx, "TCS")
	if err != nil {
		t.Fatalf("DoneToday: %v", err)
	}
	if done {
		t.Fatal("fresh tracker reports TCS done")
	}

	if err := tr.MarkDone(ctx, "TCS"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	done, err = tr.DoneToday(ctx, "TCS")
	if err != nil {
		t.Fatalf("DoneToday: %v", err)
	}
	if !done {
		t.Fatal("TCS not done after MarkDone")
	}
}

func TestTrackerPendingFilters(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkDone(ctx, "INFY"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	pending, err := tr.Pending(ctx, []string{"TCS", "INFY", "SBIN"})
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 || pending[0] != "TCS" || pending[1] != "SBIN" {
		t.Fatalf("Pending = %v, want [TCS SBIN]", pending)
	}
}

// Batch workers mark completion concurrently; every mark must survive or a
// completed symbol gets refetched on the next run.
func TestTrackerConcurrentMarkDone(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	const n = 32
	symbols := make([]string, n)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			if err := tr.MarkDone(ctx, symbol); err != nil {
				errs <- err
			}
		}(symbol)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("MarkDone: %v", err)
	}

	pending, err := tr.Pending(ctx, symbols)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d of %d symbols lost their completion mark: %v", len(pending), n, pending)
	}
}

func TestTrackerStaleDateResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fetched.json")
	data, err := json.Marshal(markerFile{
		Date:    "2020-01-01",
		Symbols: map[string]bool{"TCS": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(path, time.Second, zerolog.Nop())
	done, err := tr.DoneToday(context.Background(), "TCS")
	if err != nil {
		t.Fatalf("DoneToday: %v", err)
	}
	if done {
		t.Fatal("yesterday's marker must not carry into today")
	}
}

func TestTrackerCorruptFileResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fetched.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(path, time.Second, zerolog.Nop())
	ctx := context.Background()
	if done, err := tr.DoneToday(ctx, "TCS"); err != nil || done {
		t.Fatalf("DoneToday on corrupt marker: done=%v err=%v", done, err)
	}
	// The next write repairs the file.
	if err := tr.MarkDone(ctx, "TCS"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if done, err := tr.DoneToday(ctx, "TCS"); err != nil || !done {
		t.Fatalf("DoneToday after repair: done=%v err=%v", done, err)
	}
}
