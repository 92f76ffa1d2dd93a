package riskstate

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stoploss.json")
	s, err := NewStore(path, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// Property: the committed stop level never decreases, no matter what
// sequence of candidates is offered.
func TestProperty_RatchetIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("committed level never decreases", prop.ForAll(
		func(candidates []float64) bool {
			store := newTestStore(t)
			ctx := context.Background()

			prev := 0.0
			for _, c := range candidates {
				committed, err := store.Ratchet(ctx, "TCS", c)
				if err != nil {
					t.Logf("Ratchet: %v", err)
					return false
				}
				if committed < prev {
					t.Logf("level decreased: %v -> %v on candidate %v", prev, committed, c)
					return false
				}
				prev = committed
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(1, 10000)),
	))

	properties.TestingRun(t)
}

// Property: whatever sequence of ratchets is applied, a fresh store reading
// the same file sees the same levels. Exercises the atomic write path.
func TestProperty_LevelsSurviveReload(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("reload sees identical levels", prop.ForAll(
		func(candidates []float64) bool {
			path := filepath.Join(t.TempDir(), "stoploss.json")
			ctx := context.Background()

			first, err := NewStore(path, time.Second, zerolog.Nop())
			if err != nil {
				return false
			}
			for i, c := range candidates {
				symbol := []string{"TCS", "INFY", "SBIN"}[i%3]
				if _, err := first.Ratchet(ctx, symbol, c); err != nil {
					return false
				}
			}
			before, err := first.Snapshot(ctx)
			if err != nil {
				return false
			}

			second, err := NewStore(path, time.Second, zerolog.Nop())
			if err != nil {
				return false
			}
			after, err := second.Snapshot(ctx)
			if err != nil {
				return false
			}

			if len(before) != len(after) {
				return false
			}
			for symbol, level := range before {
				if math.Abs(after[symbol]-level) > 1e-9 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(1, 10000)),
	))

	properties.TestingRun(t)
}

func TestRatchetRoundsToTwoDecimals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	committed, err := store.Ratchet(ctx, "TCS", 90.123456)
	if err != nil {
		t.Fatalf("Ratchet: %v", err)
	}
	if committed != 90.12 {
		t.Errorf("committed = %v, want 90.12", committed)
	}

	// A higher candidate that rounds to the same level is not an increase.
	committed, err = store.Ratchet(ctx, "TCS", 90.124)
	if err != nil {
		t.Fatalf("Ratchet: %v", err)
	}
	if committed != 90.12 {
		t.Errorf("committed = %v, want 90.12", committed)
	}
}

func TestRatchetIgnoresLowerCandidate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Ratchet(ctx, "TCS", 95); err != nil {
		t.Fatalf("Ratchet: %v", err)
	}
	committed, err := store.Ratchet(ctx, "TCS", 90)
	if err != nil {
		t.Fatalf("Ratchet: %v", err)
	}
	if committed != 95 {
		t.Errorf("committed = %v, want 95", committed)
	}
}

func TestClearRemovesLevel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Ratchet(ctx, "TCS", 90); err != nil {
		t.Fatalf("Ratchet: %v", err)
	}
	if err := store.Clear(ctx, "TCS"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	_, ok, err := store.Get(ctx, "TCS")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("level still present after Clear")
	}
}

// Concurrent ratchets on distinct symbols must all survive: the store
// serializes its load-modify-save cycle, so no writer can erase another
// writer's level.
func TestConcurrentRatchetsAllPersist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 64
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			symbol := fmt.Sprintf("SYM%02d", i)
			if _, err := store.Ratchet(ctx, symbol, 100); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Ratchet: %v", err)
	}

	levels, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(levels) != writers {
		t.Fatalf("store holds %d levels after %d concurrent ratchets, updates were lost", len(levels), writers)
	}
	for symbol, level := range levels {
		if level != 100 {
			t.Errorf("%s = %v, want 100", symbol, level)
		}
	}
}

// Readers racing with writers must always observe a complete committed
// state. A torn file would parse as corrupt, reset to empty, and lose the
// pre-seeded sentinel level.
func TestConcurrentReadersSeeCommittedState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Ratchet(ctx, "SEED", 50); err != nil {
		t.Fatalf("Ratchet: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	fail := make(chan string, 1)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			symbol := fmt.Sprintf("SYM%d", i)
			for level := 1.0; level <= 40; level++ {
				if _, err := store.Ratchet(ctx, symbol, level); err != nil {
					select {
					case fail <- fmt.Sprintf("Ratchet: %v", err):
					default:
					}
					return
				}
			}
		}(i)
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				levels, err := store.Snapshot(ctx)
				if err != nil {
					select {
					case fail <- fmt.Sprintf("Snapshot: %v", err):
					default:
					}
					return
				}
				if levels["SEED"] != 50 {
					select {
					case fail <- fmt.Sprintf("reader saw SEED = %v, want 50", levels["SEED"]):
					default:
					}
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Writers finish on their own; readers run until told to stop.
	time.Sleep(100 * time.Millisecond)
	close(stop)
	<-done

	select {
	case msg := <-fail:
		t.Fatal(msg)
	default:
	}
}

func TestStrayTempFileDoesNotShadowState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stoploss.json")
	store, err := NewStore(path, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Ratchet(ctx, "TCS", 90); err != nil {
		t.Fatalf("Ratchet: %v", err)
	}

	// A crash between temp-file write and rename leaves a stray temp file;
	// the committed state must still be what the last rename published.
	stray := filepath.Join(filepath.Dir(path), ".stoploss-12345")
	if err := os.WriteFile(stray, []byte(`{"TCS":`), 0644); err != nil {
		t.Fatalf("planting stray temp file: %v", err)
	}

	reopened, err := NewStore(path, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	level, ok, err := reopened.Get(ctx, "TCS")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || level != 90 {
		t.Errorf("Get = (%v, %v), want (90, true)", level, ok)
	}
}

func TestCorruptFileResetsToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stoploss.json")
	store, err := NewStore(path, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Ratchet(ctx, "TCS", 90); err != nil {
		t.Fatalf("Ratchet: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("corrupting file: %v", err)
	}

	levels, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(levels) != 0 {
		t.Errorf("levels = %v, want empty after corruption", levels)
	}
}
