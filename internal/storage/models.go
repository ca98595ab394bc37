package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metric kinds persisted in the metrics table.
const (
	MetricPremium = "premium"
	MetricRatio   = "ratio"
)

// MetricRecord is one derived value for a premium pair or ratio in a bucket.
// DomesticPrice, TheoreticalPrice and FXRate are zero for ratios.
type MetricRecord struct {
	Kind             string
	Key              string
	Bucket           time.Time
	Value            decimal.Decimal
	DomesticPrice    decimal.Decimal
	TheoreticalPrice decimal.Decimal
	FXRate           decimal.Decimal
	CreatedAt        time.Time
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        int64
	Key       string
	Category  string
	Title     string
	Message   string
	Channels  []string
	Delivered bool
	SentAt    time.Time
	CreatedAt time.Time
}
