// Package journal persists an audit trail of decisions and order outcomes
// to SQLite. The journal is best-effort: a write failure is logged and never
// blocks trading.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"autotrader/internal/models"
)

// Journal records decisions and orders.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the journal database at path.
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{
		db:     db,
		logger: logger.With().Str("component", "journal").Logger(),
	}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		price REAL NOT NULL,
		strategies TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol, timestamp);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol, timestamp);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordDecision appends an aggregated decision. Failures are logged, not
// returned.
func (j *Journal) RecordDecision(ctx context.Context, d models.Decision) {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO decisions (timestamp, symbol, action, price, strategies) VALUES (?, ?, ?, ?, ?)`,
		d.Timestamp, d.Symbol, string(d.Action), d.Price, strings.Join(d.Strategies, ","),
	)
	if err != nil {
		j.logger.Warn().Err(err).Str("symbol", d.Symbol).Msg("Failed to journal decision")
	}
}

// RecordOrder appends an order attempt with its outcome.
func (j *Journal) RecordOrder(ctx context.Context, order models.Order, orderErr error) {
	status := "PLACED"
	errText := ""
	if orderErr != nil {
		status = "FAILED"
		errText = orderErr.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO orders (timestamp, order_id, symbol, side, quantity, price, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now(), order.OrderID, order.Symbol, string(order.Side), order.Quantity, order.Price, status, errText,
	)
	if err != nil {
		j.logger.Warn().Err(err).Str("symbol", order.Symbol).Msg("Failed to journal order")
	}
}

// DecisionRow is one journalled decision.
type DecisionRow struct {
	Timestamp  time.Time
	Symbol     string
	Action     string
	Price      float64
	Strategies []string
}

// RecentDecisions returns the latest n decisions, newest first.
func (j *Journal) RecentDecisions(ctx context.Context, n int) ([]DecisionRow, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT timestamp, symbol, action, price, strategies
		 FROM decisions ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var r DecisionRow
		var strategies string
		if err := rows.Scan(&r.Timestamp, &r.Symbol, &r.Action, &r.Price, &strategies); err != nil {
			return nil, err
		}
		if strategies != "" {
			r.Strategies = strings.Split(strategies, ",")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OrderRow is one journalled order attempt.
type OrderRow struct {
	Timestamp time.Time
	OrderID   string
	Symbol    string
	Side      string
	Quantity  int
	Price     float64
	Status    string
	Error     string
}

// RecentOrders returns the latest n order attempts, newest first.
func (j *Journal) RecentOrders(ctx context.Context, n int) ([]OrderRow, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT timestamp, order_id, symbol, side, quantity, price, status, error
		 FROM orders ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var r OrderRow
		if err := rows.Scan(&r.Timestamp, &r.OrderID, &r.Symbol, &r.Side, &r.Quantity, &r.Price, &r.Status, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
