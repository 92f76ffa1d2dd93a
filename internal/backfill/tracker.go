package backfill

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"autotrader/internal/errors"
	"autotrader/pkg/utils"
)

// Tracker records which symbols completed their fetch today. The marker is
// a JSON file shared across processes behind a file lock; a stored date
// other than today means a new session, and the set resets implicitly.
type Tracker struct {
	path        string
	mu          sync.Mutex
	lock        *flock.Flock
	lockTimeout time.Duration
	logger      zerolog.Logger
}

type markerFile struct {
	Date    string          `json:"date"`
	Symbols map[string]bool `json:"symbols"`
}

const dateLayout = "2006-01-02"

// NewTracker builds a tracker over the marker file at path.
func NewTracker(path string, lockTimeout time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: lockTimeout,
		logger:      logger.With().Str("component", "backfill").Logger(),
	}
}

// acquire linearizes the load-save cycle. Batch workers call MarkDone
// concurrently and share one Flock instance, which reports success to every
// caller once this process holds it, so an in-process mutex does the
// intra-process serialization and the flock guards other processes.
func (t *Tracker) acquire(ctx context.Context) (func(), error) {
	t.mu.Lock()

	lockCtx, cancel := context.WithTimeout(ctx, t.lockTimeout)
	defer cancel()

	ok, err := t.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !ok {
		t.mu.Unlock()
		return nil, errors.Wrap(errors.ErrLockTimeout, "fetch marker lock")
	}
	return func() {
		_ = t.lock.Unlock()
		t.mu.Unlock()
	}, nil
}

// load reads the marker, treating a missing, corrupt or stale-dated file as
// an empty set for today.
func (t *Tracker) load() map[string]bool {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return make(map[string]bool)
	}
	var m markerFile
	if err := json.Unmarshal(data, &m); err != nil {
		t.logger.Warn().Err(err).Str("path", t.path).Msg("Corrupt fetch marker, resetting")
		return make(map[string]bool)
	}
	if m.Date != utils.Today().Format(dateLayout) {
		return make(map[string]bool)
	}
	if m.Symbols == nil {
		return make(map[string]bool)
	}
	return m.Symbols
}

func (t *Tracker) save(symbols map[string]bool) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(markerFile{
		Date:    utils.Today().Format(dateLayout),
		Symbols: symbols,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".marker-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), t.path)
}

// DoneToday reports whether the symbol's fetch already completed today.
func (t *Tracker) DoneToday(ctx context.Context, symbol string) (bool, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return t.load()[symbol], nil
}

// Pending filters symbols down to those not yet fetched today.
func (t *Tracker) Pending(ctx context.Context, symbols []string) ([]string, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	done := t.load()
	var pending []string
	for _, s := range symbols {
		if !done[s] {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// MarkDone records that the symbol's fetch completed today.
func (t *Tracker) MarkDone(ctx context.Context, symbol string) error {
	release, err := t.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	done := t.load()
	done[symbol] = true
	return t.save(done)
}
