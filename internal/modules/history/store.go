// Package history stores daily closing prices and serves them to the
// optimization pipeline.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/importfolio/internal/modules/optimization"
)

// Store provides access to historical price data. Dates are stored as Unix
// timestamps at midnight UTC.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a price store and ensures its schema exists.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("component", "history_store").Logger(),
	}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_prices (
			ticker TEXT NOT NULL,
			date INTEGER NOT NULL,
			close REAL NOT NULL,
			adjusted_close REAL,
			PRIMARY KEY (ticker, date)
		);
		CREATE INDEX IF NOT EXISTS idx_daily_prices_ticker_date
			ON daily_prices(ticker, date);
	`)
	if err != nil {
		return fmt.Errorf("failed to create daily_prices table: %w", err)
	}
	return nil
}

// SavePrices inserts or replaces daily prices for a ticker in a single
// transaction.
func (s *Store) SavePrices(ctx context.Context, ticker string, points []optimization.PricePoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO daily_prices (ticker, date, close, adjusted_close)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		d := p.Date
		dateUnix := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Unix()
		if _, err := stmt.ExecContext(ctx, ticker, dateUnix, p.Close, p.Close); err != nil {
			return fmt.Errorf("failed to insert price for %s: %w", p.Date.Format("2006-01-02"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Str("ticker", ticker).
		Int("count", len(points)).
		Msg("Saved daily prices")

	return nil
}

// GetPriceSeries fetches the stored closes for a ticker within [start, end],
// ordered by date ascending. Satisfies the optimization module's PriceSource.
func (s *Store) GetPriceSeries(ctx context.Context, ticker string, start, end time.Time) (optimization.PriceSeries, error) {
	series := optimization.PriceSeries{Ticker: ticker}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, COALESCE(adjusted_close, close)
		FROM daily_prices
		WHERE ticker = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, ticker, start.Unix(), end.Unix())
	if err != nil {
		return series, fmt.Errorf("failed to query daily prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dateUnix int64
		var close float64
		if err := rows.Scan(&dateUnix, &close); err != nil {
			return series, fmt.Errorf("failed to scan daily price: %w", err)
		}
		series.Points = append(series.Points, optimization.PricePoint{
			Date:  time.Unix(dateUnix, 0).UTC(),
			Close: close,
		})
	}
	if err := rows.Err(); err != nil {
		return series, fmt.Errorf("error iterating daily prices: %w", err)
	}

	if len(series.Points) == 0 {
		return series, fmt.Errorf("no price data for %s between %s and %s",
			ticker, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	return series, nil
}

// CountObservations returns the number of stored prices for a ticker.
func (s *Store) CountObservations(ctx context.Context, ticker string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM daily_prices WHERE ticker = ?", ticker).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return count, nil
}

// ListTickers returns the distinct tickers with stored prices.
func (s *Store) ListTickers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT ticker FROM daily_prices ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// DeleteBefore removes prices older than the cutoff. Used by cleanup jobs.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM daily_prices WHERE date < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old prices: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.log.Info().
			Int64("rows_deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Deleted old daily prices")
	}
	return deleted, nil
}
