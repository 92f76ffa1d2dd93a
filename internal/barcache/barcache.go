// Package barcache provides the per-symbol OHLCV history store.
//
// Each symbol owns one CSV file under the historical-data directory with
// columns Date, Open, High, Low, Close, Volume. All mutation goes through
// this package; writes are atomic (temp file + rename) so a crash mid-write
// never corrupts existing history.
package barcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"autotrader/internal/errors"
	"autotrader/internal/models"
)

const dateLayout = "2006-01-02"

// barRow is the on-disk CSV representation of a bar.
type barRow struct {
	Date   string  `csv:"Date"`
	Open   float64 `csv:"Open"`
	High   float64 `csv:"High"`
	Low    float64 `csv:"Low"`
	Close  float64 `csv:"Close"`
	Volume int64   `csv:"Volume"`
}

// Store is a per-symbol bar cache rooted at a single directory.
type Store struct {
	dir string
}

// NewStore creates a bar cache rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating bar cache dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the cache root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(symbol string) string {
	return filepath.Join(s.dir, symbol+".csv")
}

// Load reads the full bar series for a symbol, sorted ascending by date.
// Returns ErrDataNotFound if the symbol has no cached history.
func (s *Store) Load(symbol string) ([]models.Bar, error) {
	f, err := os.Open(s.path(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrDataNotFound
		}
		return nil, errors.NewDataError("bars", symbol, "opening cache file", err)
	}
	defer f.Close()

	var rows []*barRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, errors.NewDataError("bars", symbol, "parsing cache file", err)
	}

	bars := make([]models.Bar, 0, len(rows))
	for _, r := range rows {
		d, err := time.Parse(dateLayout, strings.TrimSpace(r.Date))
		if err != nil {
			return nil, errors.NewDataError("bars", symbol, fmt.Sprintf("invalid date %q", r.Date), err)
		}
		bars = append(bars, models.Bar{
			Date:   d,
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// LastDate returns the newest cached bar date for a symbol.
// ok is false when the symbol has no cache.
func (s *Store) LastDate(symbol string) (time.Time, bool, error) {
	bars, err := s.Load(symbol)
	if err != nil {
		if errors.Is(err, errors.ErrDataNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if len(bars) == 0 {
		return time.Time{}, false, nil
	}
	return bars[len(bars)-1].Day(), true, nil
}

// Append merges bars into the existing series for symbol and rewrites the
// file. Duplicate dates resolve last-write-wins in favour of the new bars.
func (s *Store) Append(symbol string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	existing, err := s.Load(symbol)
	if err != nil && !errors.Is(err, errors.ErrDataNotFound) {
		return err
	}

	merged := Merge(existing, bars)
	return s.Replace(symbol, merged)
}

// Replace writes the full series for symbol atomically.
func (s *Store) Replace(symbol string, bars []models.Bar) error {
	merged := Merge(nil, bars)

	rows := make([]*barRow, 0, len(merged))
	for _, b := range merged {
		rows = append(rows, &barRow{
			Date:   b.Day().Format(dateLayout),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}

	tmp, err := os.CreateTemp(s.dir, symbol+".tmp-*")
	if err != nil {
		return errors.NewDataError("bars", symbol, "creating temp file", err)
	}
	tmpName := tmp.Name()

	if err := gocsv.MarshalFile(&rows, tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewDataError("bars", symbol, "writing cache file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewDataError("bars", symbol, "syncing cache file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewDataError("bars", symbol, "closing temp file", err)
	}

	if err := os.Rename(tmpName, s.path(symbol)); err != nil {
		os.Remove(tmpName)
		return errors.NewDataError("bars", symbol, "replacing cache file", err)
	}
	return nil
}

// Symbols lists all symbols with a cached series.
func (s *Store) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading bar cache dir: %w", err)
	}

	var symbols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, ".csv"))
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Merge combines two bar slices, deduplicating by date with updates winning
// over existing bars, and returns the result sorted ascending.
func Merge(existing, updates []models.Bar) []models.Bar {
	byDay := make(map[time.Time]models.Bar, len(existing)+len(updates))
	for _, b := range existing {
		byDay[b.Day()] = b
	}
	for _, b := range updates {
		byDay[b.Day()] = b
	}

	merged := make([]models.Bar, 0, len(byDay))
	for _, b := range byDay {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date.Before(merged[j].Date) })
	return merged
}
