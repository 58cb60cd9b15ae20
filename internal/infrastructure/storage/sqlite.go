package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_trade_exec/internal/domain"
)

// SQLiteJournal keeps one row per terminal trade outcome. The tracker file
// is the working state; this table is the permanent record.
type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			size_usdt REAL NOT NULL,
			pnl_usdt REAL NOT NULL,
			roi_percent REAL NOT NULL,
			fee REAL NOT NULL,
			result TEXT NOT NULL,
			strategy TEXT,
			reason TEXT,
			technical_data TEXT,
			config_snapshot TEXT,
			trailing_was_active BOOLEAN NOT NULL DEFAULT 0,
			trailing_sl_final REAL NOT NULL DEFAULT 0,
			trailing_high REAL NOT NULL DEFAULT 0,
			trailing_low REAL NOT NULL DEFAULT 0,
			activation_price REAL NOT NULL DEFAULT 0,
			sl_price_initial REAL NOT NULL DEFAULT 0,
			setup_at DATETIME,
			filled_at DATETIME,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_result ON trades(result);`,
	}

	for _, q := range queries {
		if _, err := j.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

func (j *SQLiteJournal) LogTrade(ctx context.Context, rec *domain.TradeRecord) error {
	tech, err := json.Marshal(rec.TechnicalData)
	if err != nil {
		return fmt.Errorf("failed to marshal technical data: %w", err)
	}
	snap, err := json.Marshal(rec.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal config snapshot: %w", err)
	}

	query := `INSERT INTO trades (symbol, side, entry_type, entry_price, exit_price, size_usdt, pnl_usdt, roi_percent, fee, result,
			  strategy, reason, technical_data, config_snapshot,
			  trailing_was_active, trailing_sl_final, trailing_high, trailing_low, activation_price, sl_price_initial,
			  setup_at, filled_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = j.db.ExecContext(ctx, query,
		rec.Symbol, string(rec.Side), rec.EntryType, rec.EntryPrice, rec.ExitPrice, rec.SizeUSDT, rec.PnLUSDT, rec.ROIPercent, rec.Fee, rec.Result,
		rec.Strategy, rec.Reason, string(tech), string(snap),
		rec.TrailingWasActive, rec.TrailingSLFinal, rec.TrailingHigh, rec.TrailingLow, rec.ActivationPrice, rec.SLPriceInitial,
		rec.SetupAt, rec.FilledAt, rec.ClosedAt)
	return err
}

func (j *SQLiteJournal) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	query := `SELECT symbol, side, entry_type, entry_price, exit_price, size_usdt, pnl_usdt, roi_percent, fee, result,
			  strategy, reason, technical_data, config_snapshot,
			  trailing_was_active, trailing_sl_final, trailing_high, trailing_low, activation_price, sl_price_initial,
			  setup_at, filled_at, closed_at
			  FROM trades ORDER BY id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var side, tech, snap string
		if err := rows.Scan(&r.Symbol, &side, &r.EntryType, &r.EntryPrice, &r.ExitPrice, &r.SizeUSDT, &r.PnLUSDT, &r.ROIPercent, &r.Fee, &r.Result,
			&r.Strategy, &r.Reason, &tech, &snap,
			&r.TrailingWasActive, &r.TrailingSLFinal, &r.TrailingHigh, &r.TrailingLow, &r.ActivationPrice, &r.SLPriceInitial,
			&r.SetupAt, &r.FilledAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		r.Side = domain.Side(side)
		if tech != "" && tech != "null" {
			if err := json.Unmarshal([]byte(tech), &r.TechnicalData); err != nil {
				return nil, fmt.Errorf("failed to parse technical data: %w", err)
			}
		}
		if snap != "" && snap != "null" {
			if err := json.Unmarshal([]byte(snap), &r.ConfigSnapshot); err != nil {
				return nil, fmt.Errorf("failed to parse config snapshot: %w", err)
			}
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
