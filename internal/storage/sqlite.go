package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"commodity-premium-alerts/internal/market"
)

const (
	sqliteUpsertQuoteSQL = `INSERT INTO quotes (symbol, ts, price, unit, market, source, price_cny, created_at)
    VALUES (?,?,?,?,?,?,?,?)
    ON CONFLICT (symbol, ts) DO UPDATE
    SET price = excluded.price,
        unit = excluded.unit,
        market = excluded.market,
        source = excluded.source,
        price_cny = excluded.price_cny;`

	sqliteQuoteColumns = `symbol, ts, price, unit, market, source, price_cny`

	sqliteUpsertDailyBarSQL = `INSERT INTO daily_bars (symbol, day, open, high, low, close, volume, source, created_at)
    VALUES (?,?,?,?,?,?,?,?,?)
    ON CONFLICT (symbol, day) DO UPDATE
    SET open = excluded.open,
        high = excluded.high,
        low = excluded.low,
        close = excluded.close,
        volume = excluded.volume,
        source = excluded.source;`

	sqliteDayLayout = "2006-01-02"

	sqliteUpsertFXSQL = `INSERT INTO fx_samples (pair, ts, rate, source, created_at)
    VALUES (?,?,?,?,?)
    ON CONFLICT (pair, ts) DO UPDATE
    SET rate = excluded.rate,
        source = excluded.source;`

	sqliteUpsertMetricSQL = `INSERT INTO metrics (kind, key, bucket, value, domestic_price, theoretical_price, fx_rate, created_at)
    VALUES (?,?,?,?,?,?,?,?)
    ON CONFLICT (kind, key, bucket) DO UPDATE
    SET value = excluded.value,
        domestic_price = excluded.domestic_price,
        theoretical_price = excluded.theoretical_price,
        fx_rate = excluded.fx_rate;`
)

// SQLiteStore is the single-node backend on an embedded SQLite file.
// Timestamps are stored as unix milliseconds and decimals as text.
type SQLiteStore struct {
	db    *sql.DB
	locks *localLocks
	now   func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database.path is required for sqlite")
	}
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	return &SQLiteStore{db: db, locks: newLocalLocks(), now: time.Now}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies embedded schema files not yet recorded.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", m.version, err)
		}
		if n > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, s.now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.version, err)
		}
	}
	return nil
}

// TryAdvisoryLock takes an in-process lock; SQLite deployments are single node.
func (s *SQLiteStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	unlock, ok := s.locks.tryLock(key)
	return unlock, ok, nil
}

func (s *SQLiteStore) UpsertQuotes(ctx context.Context, quotes []market.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert quotes: %w", err)
	}
	created := s.now().UnixMilli()
	for _, q := range quotes {
		if _, err := tx.ExecContext(ctx, sqliteUpsertQuoteSQL,
			q.Symbol, q.Timestamp.UnixMilli(), q.Price.String(), q.Unit, string(q.Market), q.Source, nullableDecimal(q.PriceCNY), created,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert quote %s: %w", q.Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit quotes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestQuotes(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	out := make(map[string]market.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	q := `SELECT q.symbol, q.ts, q.price, q.unit, q.market, q.source, q.price_cny
    FROM quotes q
    JOIN (
        SELECT symbol, MAX(ts) AS ts FROM quotes
        WHERE symbol IN (` + placeholders(len(symbols)) + `)
        GROUP BY symbol
    ) latest ON latest.symbol = q.symbol AND latest.ts = q.ts`
	args := make([]any, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, s)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("latest quotes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		quote, err := scanSQLiteQuote(rows)
		if err != nil {
			return nil, err
		}
		out[quote.Symbol] = quote
	}
	return out, rows.Err()
}

func (s *SQLiteStore) QuoteBefore(ctx context.Context, symbol string, at time.Time) (market.Quote, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteQuoteColumns+` FROM quotes WHERE symbol = ? AND ts <= ? ORDER BY ts DESC LIMIT 1`,
		symbol, at.UnixMilli())
	quote, err := scanSQLiteQuote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Quote{}, false, nil
	}
	if err != nil {
		return market.Quote{}, false, fmt.Errorf("quote before: %w", err)
	}
	return quote, true, nil
}

func (s *SQLiteStore) ListQuotesBetween(ctx context.Context, symbol string, from, to time.Time) ([]market.Quote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteQuoteColumns+` FROM quotes WHERE symbol = ? AND ts >= ? AND ts < ? ORDER BY ts`,
		symbol, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list quotes between: %w", err)
	}
	defer rows.Close()

	quotes := make([]market.Quote, 0)
	for rows.Next() {
		quote, err := scanSQLiteQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

func (s *SQLiteStore) UpsertFXSample(ctx context.Context, sample market.FXSample) error {
	if _, err := s.db.ExecContext(ctx, sqliteUpsertFXSQL,
		sample.Pair, sample.Timestamp.UnixMilli(), sample.Rate.String(), sample.Source, s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert fx sample: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestFXSample(ctx context.Context, pair string) (market.FXSample, bool, error) {
	return scanSQLiteFX(s.db.QueryRowContext(ctx,
		`SELECT pair, ts, rate, source FROM fx_samples WHERE pair = ? ORDER BY ts DESC LIMIT 1`, pair))
}

func (s *SQLiteStore) FXSampleBefore(ctx context.Context, pair string, at time.Time) (market.FXSample, bool, error) {
	return scanSQLiteFX(s.db.QueryRowContext(ctx,
		`SELECT pair, ts, rate, source FROM fx_samples WHERE pair = ? AND ts <= ? ORDER BY ts DESC LIMIT 1`,
		pair, at.UnixMilli()))
}

func (s *SQLiteStore) UpsertMetrics(ctx context.Context, records []MetricRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert metrics: %w", err)
	}
	created := s.now().UnixMilli()
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, sqliteUpsertMetricSQL,
			r.Kind, r.Key, r.Bucket.UnixMilli(),
			r.Value.String(), r.DomesticPrice.String(), r.TheoreticalPrice.String(), r.FXRate.String(),
			created,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert metric %s/%s: %w", r.Kind, r.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMetricsBetween(ctx context.Context, kind, key string, from, to time.Time) ([]MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, key, bucket, value, domestic_price, theoretical_price, fx_rate, created_at
    FROM metrics
    WHERE kind = ? AND key = ? AND bucket >= ? AND bucket < ?
    ORDER BY bucket`, kind, key, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list metrics between: %w", err)
	}
	defer rows.Close()

	records := make([]MetricRecord, 0)
	for rows.Next() {
		var (
			rec                                       MetricRecord
			bucket, created                           int64
			valueStr, domesticStr, theoreticalStr, fx string
		)
		if err := rows.Scan(&rec.Kind, &rec.Key, &bucket, &valueStr, &domesticStr, &theoreticalStr, &fx, &created); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decimalField{"value", valueStr, &rec.Value},
			decimalField{"domestic price", domesticStr, &rec.DomesticPrice},
			decimalField{"theoretical price", theoreticalStr, &rec.TheoreticalPrice},
			decimalField{"fx rate", fx, &rec.FXRate},
		); err != nil {
			return nil, err
		}
		rec.Bucket = time.UnixMilli(bucket).UTC()
		rec.CreatedAt = time.UnixMilli(created).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) UpsertDailyBars(ctx context.Context, bars []market.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert daily bars: %w", err)
	}
	created := s.now().UnixMilli()
	for _, b := range bars {
		if _, err := tx.ExecContext(ctx, sqliteUpsertDailyBarSQL,
			b.Symbol, b.Day.UTC().Format(sqliteDayLayout),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume, b.Source, created,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert daily bar %s: %w", b.Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit daily bars: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]market.DailyBar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, day, open, high, low, close, volume, source
    FROM daily_bars
    WHERE symbol = ? AND day >= ? AND day < ?
    ORDER BY day`, symbol, from.UTC().Format(sqliteDayLayout), to.UTC().Format(sqliteDayLayout))
	if err != nil {
		return nil, fmt.Errorf("list daily bars: %w", err)
	}
	defer rows.Close()

	bars := make([]market.DailyBar, 0)
	for rows.Next() {
		var (
			bar                            market.DailyBar
			day                            string
			openStr, highStr, lowStr, last string
		)
		if err := rows.Scan(&bar.Symbol, &day, &openStr, &highStr, &lowStr, &last, &bar.Volume, &bar.Source); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decimalField{"open", openStr, &bar.Open},
			decimalField{"high", highStr, &bar.High},
			decimalField{"low", lowStr, &bar.Low},
			decimalField{"close", last, &bar.Close},
		); err != nil {
			return nil, err
		}
		if bar.Day, err = time.Parse(sqliteDayLayout, day); err != nil {
			return nil, fmt.Errorf("parse bar day %q: %w", day, err)
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

func (s *SQLiteStore) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	created := s.now().UTC()
	delivered := 0
	if alert.Delivered {
		delivered = 1
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO alerts (alert_key, category, title, message, channels, delivered, sent_at, created_at)
    VALUES (?,?,?,?,?,?,?,?)`,
		alert.Key, alert.Category, alert.Title, alert.Message, strings.Join(alert.Channels, ","),
		delivered, alert.SentAt.UnixMilli(), created.UnixMilli())
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert id: %w", err)
	}
	alert.ID = id
	alert.CreatedAt = time.UnixMilli(created.UnixMilli()).UTC()
	return alert, nil
}

func (s *SQLiteStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, alert_key, category, title, message, channels, delivered, sent_at, created_at
    FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec               AlertRecord
			channels          string
			delivered         int
			sentAt, createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Category, &rec.Title, &rec.Message, &channels, &delivered, &sentAt, &createdAt); err != nil {
			return nil, err
		}
		if channels != "" {
			rec.Channels = strings.Split(channels, ",")
		}
		rec.Delivered = delivered != 0
		rec.SentAt = time.UnixMilli(sentAt).UTC()
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

func (s *SQLiteStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, olderThan.UnixMilli()); err != nil {
		return fmt.Errorf("delete alerts before: %w", err)
	}
	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteQuote(row sqlRow) (market.Quote, error) {
	var (
		q        market.Quote
		ts       int64
		priceStr string
		mkt      string
		cny      sql.NullString
	)
	if err := row.Scan(&q.Symbol, &ts, &priceStr, &q.Unit, &mkt, &q.Source, &cny); err != nil {
		return market.Quote{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse price of %s: %w", q.Symbol, err)
	}
	q.Price = price
	if cny.Valid {
		if q.PriceCNY, err = decimal.NewFromString(cny.String); err != nil {
			return market.Quote{}, fmt.Errorf("parse cny price of %s: %w", q.Symbol, err)
		}
	}
	q.Market = market.Market(mkt)
	q.Timestamp = time.UnixMilli(ts).UTC()
	return q, nil
}

func scanSQLiteFX(row sqlRow) (market.FXSample, bool, error) {
	var (
		sample  market.FXSample
		ts      int64
		rateStr string
	)
	if err := row.Scan(&sample.Pair, &ts, &rateStr, &sample.Source); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return market.FXSample{}, false, nil
		}
		return market.FXSample{}, false, fmt.Errorf("scan fx sample: %w", err)
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return market.FXSample{}, false, fmt.Errorf("parse fx rate: %w", err)
	}
	sample.Rate = rate
	sample.Timestamp = time.UnixMilli(ts).UTC()
	return sample, true, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ Repository = (*SQLiteStore)(nil)
