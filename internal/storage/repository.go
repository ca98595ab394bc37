package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertQuoteSQL = `INSERT INTO quotes (
        symbol,
        ts,
        price,
        unit,
        market,
        source,
        price_cny
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (symbol, ts) DO UPDATE
    SET
        price     = EXCLUDED.price,
        unit      = EXCLUDED.unit,
        market    = EXCLUDED.market,
        source    = EXCLUDED.source,
        price_cny = EXCLUDED.price_cny;`

	latestQuotesSQL = `SELECT DISTINCT ON (symbol)
        symbol,
        ts,
        price::text,
        unit,
        market,
        source,
        price_cny::text
    FROM quotes
    WHERE symbol = ANY($1)
    ORDER BY symbol, ts DESC;`

	quoteBeforeSQL = `SELECT
        symbol,
        ts,
        price::text,
        unit,
        market,
        source,
        price_cny::text
    FROM quotes
    WHERE symbol = $1
      AND ts <= $2
    ORDER BY ts DESC
    LIMIT 1;`

	listQuotesBetweenSQL = `SELECT
        symbol,
        ts,
        price::text,
        unit,
        market,
        source,
        price_cny::text
    FROM quotes
    WHERE symbol = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	upsertFXSampleSQL = `INSERT INTO fx_samples (
        pair,
        ts,
        rate,
        source
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (pair, ts) DO UPDATE
    SET
        rate   = EXCLUDED.rate,
        source = EXCLUDED.source;`

	latestFXSampleSQL = `SELECT pair, ts, rate::text, source
    FROM fx_samples
    WHERE pair = $1
    ORDER BY ts DESC
    LIMIT 1;`

	fxSampleBeforeSQL = `SELECT pair, ts, rate::text, source
    FROM fx_samples
    WHERE pair = $1
      AND ts <= $2
    ORDER BY ts DESC
    LIMIT 1;`

	upsertMetricSQL = `INSERT INTO metrics (
        kind,
        key,
        bucket,
        value,
        domestic_price,
        theoretical_price,
        fx_rate
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (kind, key, bucket) DO UPDATE
    SET
        value             = EXCLUDED.value,
        domestic_price    = EXCLUDED.domestic_price,
        theoretical_price = EXCLUDED.theoretical_price,
        fx_rate           = EXCLUDED.fx_rate;`

	listMetricsBetweenSQL = `SELECT
        kind,
        key,
        bucket,
        value::text,
        domestic_price::text,
        theoretical_price::text,
        fx_rate::text,
        created_at
    FROM metrics
    WHERE kind = $1
      AND key = $2
      AND bucket >= $3
      AND bucket < $4
    ORDER BY bucket;`

	insertAlertSQL = `INSERT INTO alerts (
        alert_key,
        category,
        title,
        message,
        channels,
        delivered,
        sent_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_key,
        category,
        title,
        message,
        channels,
        delivered,
        sent_at,
        created_at
    FROM alerts
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	upsertDailyBarSQL = `INSERT INTO daily_bars (
        symbol,
        day,
        open,
        high,
        low,
        close,
        volume,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (symbol, day) DO UPDATE
    SET
        open   = EXCLUDED.open,
        high   = EXCLUDED.high,
        low    = EXCLUDED.low,
        close  = EXCLUDED.close,
        volume = EXCLUDED.volume,
        source = EXCLUDED.source;`

	listDailyBarsSQL = `SELECT
        symbol,
        day,
        open::text,
        high::text,
        low::text,
        close::text,
        volume,
        source
    FROM daily_bars
    WHERE symbol = $1
      AND day >= $2
      AND day < $3
    ORDER BY day;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// QuoteStore persists raw quotes keyed by (symbol, timestamp).
type QuoteStore interface {
	UpsertQuotes(ctx context.Context, quotes []market.Quote) error
	LatestQuotes(ctx context.Context, symbols []string) (map[string]market.Quote, error)
	QuoteBefore(ctx context.Context, symbol string, at time.Time) (market.Quote, bool, error)
	ListQuotesBetween(ctx context.Context, symbol string, from, to time.Time) ([]market.Quote, error)
}

// FXStore persists exchange rate samples keyed by (pair, timestamp).
type FXStore interface {
	UpsertFXSample(ctx context.Context, sample market.FXSample) error
	LatestFXSample(ctx context.Context, pair string) (market.FXSample, bool, error)
	FXSampleBefore(ctx context.Context, pair string, at time.Time) (market.FXSample, bool, error)
}

// MetricStore persists derived premiums and ratios keyed by (kind, key, bucket).
type MetricStore interface {
	UpsertMetrics(ctx context.Context, records []MetricRecord) error
	ListMetricsBetween(ctx context.Context, kind, key string, from, to time.Time) ([]MetricRecord, error)
}

// DailyBarStore persists daily OHLC bars keyed by (symbol, day).
type DailyBarStore interface {
	UpsertDailyBars(ctx context.Context, bars []market.DailyBar) error
	ListDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]market.DailyBar, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the pipeline needs from a backend.
type Repository interface {
	QuoteStore
	FXStore
	MetricStore
	DailyBarStore
	AlertStore
	AdvisoryLocker
	Migrate(ctx context.Context) error
	Close() error
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertQuotes writes quotes in one batch; an existing (symbol, ts) row is replaced.
func (s *Store) UpsertQuotes(ctx context.Context, quotes []market.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(upsertQuoteSQL, q.Symbol, q.Timestamp, q.Price.String(), q.Unit, string(q.Market), q.Source, nullableDecimal(q.PriceCNY))
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert quotes: %w", err)
	}
	return nil
}

// LatestQuotes returns the newest quote per requested symbol.
func (s *Store) LatestQuotes(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestQuotesSQL, symbols)
	if queryErr != nil {
		return nil, fmt.Errorf("latest quotes: %w", queryErr)
	}
	defer rows.Close()

	out := make(map[string]market.Quote, len(symbols))
	for rows.Next() {
		q, scanErr := scanQuote(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out[q.Symbol] = q
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// QuoteBefore returns the newest quote of symbol at or before at.
func (s *Store) QuoteBefore(ctx context.Context, symbol string, at time.Time) (market.Quote, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.Quote{}, false, err
	}

	q, scanErr := scanQuote(pool.QueryRow(ctx, quoteBeforeSQL, symbol, at))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return market.Quote{}, false, nil
	}
	if scanErr != nil {
		return market.Quote{}, false, fmt.Errorf("quote before: %w", scanErr)
	}
	return q, true, nil
}

// ListQuotesBetween lists quotes of symbol within [from, to).
func (s *Store) ListQuotesBetween(ctx context.Context, symbol string, from, to time.Time) ([]market.Quote, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listQuotesBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list quotes between: %w", queryErr)
	}
	defer rows.Close()

	quotes := make([]market.Quote, 0)
	for rows.Next() {
		q, scanErr := scanQuote(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		quotes = append(quotes, q)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return quotes, nil
}

// UpsertFXSample persists or replaces an exchange rate sample.
func (s *Store) UpsertFXSample(ctx context.Context, sample market.FXSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertFXSampleSQL, sample.Pair, sample.Timestamp, sample.Rate.String(), sample.Source); execErr != nil {
		return fmt.Errorf("upsert fx sample: %w", execErr)
	}
	return nil
}

// LatestFXSample returns the newest sample for pair.
func (s *Store) LatestFXSample(ctx context.Context, pair string) (market.FXSample, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.FXSample{}, false, err
	}
	return scanFXSample(pool.QueryRow(ctx, latestFXSampleSQL, pair))
}

// FXSampleBefore returns the newest sample for pair at or before at.
func (s *Store) FXSampleBefore(ctx context.Context, pair string, at time.Time) (market.FXSample, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.FXSample{}, false, err
	}
	return scanFXSample(pool.QueryRow(ctx, fxSampleBeforeSQL, pair, at))
}

// UpsertMetrics writes derived metrics in one batch.
func (s *Store) UpsertMetrics(ctx context.Context, records []MetricRecord) error {
	if len(records) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(upsertMetricSQL,
			r.Kind,
			r.Key,
			r.Bucket,
			r.Value.String(),
			r.DomesticPrice.String(),
			r.TheoreticalPrice.String(),
			r.FXRate.String(),
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	return nil
}

// ListMetricsBetween lists metrics of one kind and key within [from, to).
func (s *Store) ListMetricsBetween(ctx context.Context, kind, key string, from, to time.Time) ([]MetricRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listMetricsBetweenSQL, kind, key, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list metrics between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]MetricRecord, 0)
	for rows.Next() {
		var (
			rec                                       MetricRecord
			valueStr, domesticStr, theoreticalStr, fx string
		)
		if err := rows.Scan(&rec.Kind, &rec.Key, &rec.Bucket, &valueStr, &domesticStr, &theoreticalStr, &fx, &rec.CreatedAt); err != nil {
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
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// UpsertDailyBars writes bars in one batch; an existing (symbol, day) row is replaced.
func (s *Store) UpsertDailyBars(ctx context.Context, bars []market.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(upsertDailyBarSQL,
			b.Symbol,
			b.Day,
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			b.Volume,
			b.Source,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert daily bars: %w", err)
	}
	return nil
}

// ListDailyBars lists bars of symbol for days within [from, to).
func (s *Store) ListDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]market.DailyBar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDailyBarsSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list daily bars: %w", queryErr)
	}
	defer rows.Close()

	bars := make([]market.DailyBar, 0)
	for rows.Next() {
		var (
			bar                            market.DailyBar
			openStr, highStr, lowStr, last string
		)
		if err := rows.Scan(&bar.Symbol, &bar.Day, &openStr, &highStr, &lowStr, &last, &bar.Volume, &bar.Source); err != nil {
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
		bar.Day = market.DayOf(bar.Day, time.UTC)
		bars = append(bars, bar)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bars, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}
	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Key,
		alert.Category,
		alert.Title,
		alert.Message,
		channels,
		alert.Delivered,
		alert.SentAt,
	)
	if scanErr := row.Scan(&alert.ID, &alert.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Key,
			&rec.Category,
			&rec.Title,
			&rec.Message,
			&rec.Channels,
			&rec.Delivered,
			&rec.SentAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanQuote(row pgx.Row) (market.Quote, error) {
	var (
		q        market.Quote
		priceStr string
		mkt      string
		cny      *string
	)
	if err := row.Scan(&q.Symbol, &q.Timestamp, &priceStr, &q.Unit, &mkt, &q.Source, &cny); err != nil {
		return market.Quote{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse price of %s: %w", q.Symbol, err)
	}
	q.Price = price
	if cny != nil {
		if q.PriceCNY, err = decimal.NewFromString(*cny); err != nil {
			return market.Quote{}, fmt.Errorf("parse cny price of %s: %w", q.Symbol, err)
		}
	}
	q.Market = market.Market(mkt)
	q.Timestamp = q.Timestamp.UTC()
	return q, nil
}

func scanFXSample(row pgx.Row) (market.FXSample, bool, error) {
	var (
		sample  market.FXSample
		rateStr string
	)
	if err := row.Scan(&sample.Pair, &sample.Timestamp, &rateStr, &sample.Source); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return market.FXSample{}, false, nil
		}
		return market.FXSample{}, false, fmt.Errorf("scan fx sample: %w", err)
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return market.FXSample{}, false, fmt.Errorf("parse fx rate: %w", err)
	}
	sample.Rate = rate
	sample.Timestamp = sample.Timestamp.UTC()
	return sample, true, nil
}

type decimalField struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

// nullableDecimal maps the zero value to SQL NULL.
func nullableDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

var _ Repository = (*Store)(nil)
