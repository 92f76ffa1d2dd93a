// Package riskstate provides the persistent trailing stop-loss store.
//
// The store maps symbol to a stop level in currency units. Levels are
// monotonically non-decreasing while a position is held and removed when it
// closes. Access is safe across goroutines and processes: an in-process
// mutex plus a companion lock file guard every read and write, acquisition
// is bounded by a timeout, and writes are atomic (temp file + rename).
package riskstate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"autotrader/internal/errors"
)

const lockRetryDelay = 50 * time.Millisecond

// Store is a file-backed stop-loss level store.
type Store struct {
	path        string
	mu          sync.Mutex
	lock        *flock.Flock
	lockTimeout time.Duration
	logger      zerolog.Logger
}

// NewStore creates a stop-loss store at path with the given lock timeout.
func NewStore(path string, lockTimeout time.Duration, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Store{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: lockTimeout,
		logger:      logger,
	}, nil
}

// round2 rounds to 2 decimals so floating-point drift cannot produce
// spurious trigger differences between reads.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// acquire serializes access to the load-modify-save section. The in-process
// mutex linearizes goroutines sharing this Store; the flock on its own does
// not, since a Flock instance already held by this process reports success
// to every caller. The file lock then only guards against other processes.
func (s *Store) acquire(ctx context.Context) (release func(), err error) {
	s.mu.Lock()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ok, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		s.mu.Unlock()
		return nil, errors.ErrLockTimeout
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

// load reads the level map. Corrupted state repairs by reset rather than
// propagating: a fresh map is returned and a warning logged.
func (s *Store) load() map[string]float64 {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Unreadable stop-loss state, starting fresh")
		}
		return map[string]float64{}
	}

	levels := map[string]float64{}
	if err := json.Unmarshal(data, &levels); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Corrupted stop-loss state, starting fresh")
		return map[string]float64{}
	}
	return levels
}

func (s *Store) save(levels map[string]float64) error {
	data, err := json.Marshal(levels)
	if err != nil {
		return fmt.Errorf("encoding stop-loss state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".stoploss-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing stop-loss state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing stop-loss state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing stop-loss state: %w", err)
	}
	return nil
}

// Get returns the stop level for symbol. ok is false when no record exists.
func (s *Store) Get(ctx context.Context, symbol string) (level float64, ok bool, err error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer release()

	levels := s.load()
	level, ok = levels[symbol]
	return level, ok, nil
}

// Ratchet persists max(current, candidate) for symbol, rounded to currency
// precision, and returns the committed level. The stored level never
// decreases while the record exists; an equal or lower candidate is a no-op.
func (s *Store) Ratchet(ctx context.Context, symbol string, candidate float64) (float64, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	levels := s.load()
	candidate = round2(candidate)

	current, exists := levels[symbol]
	if exists && candidate <= current {
		return current, nil
	}

	levels[symbol] = candidate
	if err := s.save(levels); err != nil {
		return 0, err
	}
	return candidate, nil
}

// Clear removes the record for symbol, called when the position closes.
func (s *Store) Clear(ctx context.Context, symbol string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	levels := s.load()
	if _, ok := levels[symbol]; !ok {
		return nil
	}
	delete(levels, symbol)
	return s.save(levels)
}

// Snapshot returns a copy of all stop levels.
func (s *Store) Snapshot(ctx context.Context) (map[string]float64, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	levels := s.load()
	out := make(map[string]float64, len(levels))
	for k, v := range levels {
		out[k] = v
	}
	return out, nil
}
