package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"commodity-premium-alerts/internal/market"
)

// Memory keeps everything in process. It backs tests and runs without a
// configured database; contents are lost on exit.
type Memory struct {
	mu      sync.RWMutex
	quotes  map[string]map[int64]market.Quote
	fx      map[string]map[int64]market.FXSample
	metrics map[string]map[int64]MetricRecord
	bars    map[string]map[int64]market.DailyBar
	alerts  []AlertRecord
	nextID  int64
	locks   *localLocks
	now     func() time.Time
}

// NewMemory returns an empty in-process repository.
func NewMemory() *Memory {
	return &Memory{
		quotes:  make(map[string]map[int64]market.Quote),
		fx:      make(map[string]map[int64]market.FXSample),
		metrics: make(map[string]map[int64]MetricRecord),
		bars:    make(map[string]map[int64]market.DailyBar),
		locks:   newLocalLocks(),
		now:     time.Now,
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	unlock, ok := m.locks.tryLock(key)
	return unlock, ok, nil
}

func (m *Memory) UpsertQuotes(_ context.Context, quotes []market.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range quotes {
		series, ok := m.quotes[q.Symbol]
		if !ok {
			series = make(map[int64]market.Quote)
			m.quotes[q.Symbol] = series
		}
		q.Timestamp = q.Timestamp.UTC()
		series[q.Timestamp.UnixMilli()] = q
	}
	return nil
}

func (m *Memory) LatestQuotes(_ context.Context, symbols []string) (map[string]market.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]market.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := latestAtOrBefore(m.quotes[s], nil); ok {
			out[s] = q
		}
	}
	return out, nil
}

func (m *Memory) QuoteBefore(_ context.Context, symbol string, at time.Time) (market.Quote, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := latestAtOrBefore(m.quotes[symbol], &at)
	return q, ok, nil
}

func (m *Memory) ListQuotesBetween(_ context.Context, symbol string, from, to time.Time) ([]market.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]market.Quote, 0)
	for _, k := range sortedKeys(m.quotes[symbol]) {
		q := m.quotes[symbol][k]
		if !q.Timestamp.Before(from) && q.Timestamp.Before(to) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *Memory) UpsertFXSample(_ context.Context, sample market.FXSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	series, ok := m.fx[sample.Pair]
	if !ok {
		series = make(map[int64]market.FXSample)
		m.fx[sample.Pair] = series
	}
	sample.Timestamp = sample.Timestamp.UTC()
	series[sample.Timestamp.UnixMilli()] = sample
	return nil
}

func (m *Memory) LatestFXSample(_ context.Context, pair string) (market.FXSample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := latestAtOrBefore(m.fx[pair], nil)
	return s, ok, nil
}

func (m *Memory) FXSampleBefore(_ context.Context, pair string, at time.Time) (market.FXSample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := latestAtOrBefore(m.fx[pair], &at)
	return s, ok, nil
}

func (m *Memory) UpsertMetrics(_ context.Context, records []MetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	for _, r := range records {
		id := r.Kind + "/" + r.Key
		series, ok := m.metrics[id]
		if !ok {
			series = make(map[int64]MetricRecord)
			m.metrics[id] = series
		}
		r.Bucket = r.Bucket.UTC()
		r.CreatedAt = now
		series[r.Bucket.UnixMilli()] = r
	}
	return nil
}

func (m *Memory) ListMetricsBetween(_ context.Context, kind, key string, from, to time.Time) ([]MetricRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series := m.metrics[kind+"/"+key]
	out := make([]MetricRecord, 0)
	for _, k := range sortedKeys(series) {
		r := series[k]
		if !r.Bucket.Before(from) && r.Bucket.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) UpsertDailyBars(_ context.Context, bars []market.DailyBar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		series, ok := m.bars[b.Symbol]
		if !ok {
			series = make(map[int64]market.DailyBar)
			m.bars[b.Symbol] = series
		}
		b.Day = market.DayOf(b.Day, time.UTC)
		series[b.Day.UnixMilli()] = b
	}
	return nil
}

func (m *Memory) ListDailyBars(_ context.Context, symbol string, from, to time.Time) ([]market.DailyBar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]market.DailyBar, 0)
	for _, k := range sortedKeys(m.bars[symbol]) {
		b := m.bars[symbol][k]
		if !b.Day.Before(from) && b.Day.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) InsertAlert(_ context.Context, alert AlertRecord) (AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	alert.ID = m.nextID
	alert.CreatedAt = m.now().UTC()
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

func (m *Memory) ListRecentAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlertRecord, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out, nil
}

func (m *Memory) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.CreatedAt.Before(olderThan) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
	return nil
}

func sortedKeys[V any](series map[int64]V) []int64 {
	keys := make([]int64, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func latestAtOrBefore[V any](series map[int64]V, at *time.Time) (V, bool) {
	var (
		best  V
		found bool
		bestK int64
	)
	for k, v := range series {
		if at != nil && k > at.UnixMilli() {
			continue
		}
		if !found || k > bestK {
			best, bestK, found = v, k, true
		}
	}
	return best, found
}

// localLocks emulates advisory locks within one process.
type localLocks struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newLocalLocks() *localLocks {
	return &localLocks{held: make(map[int64]bool)}
}

func (l *localLocks) tryLock(key int64) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}

var _ Repository = (*Memory)(nil)
