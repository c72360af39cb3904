package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/pkg/logger"
	"gorm.io/gorm"
)

const (
	usageBufferSize    = 1024
	usageBatchSize     = 100
	usageFlushInterval = time.Second
)

// UsageLedger persists provider calls in batches off the request path and
// answers the usage reports built from them.
type UsageLedger struct {
	db      *gorm.DB
	pending chan *models.ProviderCall
	flush   chan chan struct{}
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewUsageLedger starts the batch writer. A nil db gives a ledger that
// discards records, for deployments without a database.
func NewUsageLedger(db *gorm.DB) *UsageLedger {
	l := &UsageLedger{
		db:      db,
		pending: make(chan *models.ProviderCall, usageBufferSize),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	if db != nil {
		go l.run()
	}
	return l
}

// Record queues a call for writing. When the buffer is full the record is
// dropped rather than slowing analysis down.
func (l *UsageLedger) Record(call *models.ProviderCall) {
	if l == nil || l.db == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.pending <- call:
	default:
		usageDropped.Inc()
		logger.Warnf("[Usage] Buffer full, dropped call record for %s", call.CorrelationID)
	}
}

// Flush blocks until everything recorded so far is written.
func (l *UsageLedger) Flush() {
	if l == nil || l.db == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case l.flush <- ack:
		<-ack
	case <-l.done:
	}
}

// Close writes what is buffered and stops the writer.
func (l *UsageLedger) Close() {
	if l == nil || l.db == nil {
		return
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.pending)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *UsageLedger) run() {
	defer close(l.done)
	ticker := time.NewTicker(usageFlushInterval)
	defer ticker.Stop()

	batch := make([]*models.ProviderCall, 0, usageBatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.db.CreateInBatches(batch, usageBatchSize).Error; err != nil {
			logger.Warnf("[Usage] Failed to write %d call records: %v", len(batch), err)
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case call, ok := <-l.pending:
				if !ok {
					return
				}
				batch = append(batch, call)
			default:
				return
			}
		}
	}

	for {
		select {
		case call, ok := <-l.pending:
			if !ok {
				write()
				return
			}
			batch = append(batch, call)
			if len(batch) >= usageBatchSize {
				write()
			}
		case ack := <-l.flush:
			drain()
			write()
			close(ack)
		case <-ticker.C:
			write()
		}
	}
}

// UsageFilter narrows the reports. Since and Until are whole UTC days and
// Until is inclusive.
type UsageFilter struct {
	Since         time.Time `form:"since" time_format:"2006-01-02" time_utc:"1"`
	Until         time.Time `form:"until" time_format:"2006-01-02" time_utc:"1"`
	Provider      string    `form:"provider"`
	PromptVersion string    `form:"prompt_version"`
}

func (l *UsageLedger) scoped(f UsageFilter) *gorm.DB {
	q := l.db.Model(&models.ProviderCall{})
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until.AddDate(0, 0, 1))
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.PromptVersion != "" {
		q = q.Where("prompt_version = ?", f.PromptVersion)
	}
	return q
}

// UsageRow is one line of a report: the whole range, a day, or a group.
type UsageRow struct {
	Bucket           string  `json:"key,omitempty"`
	Calls            int64   `json:"calls"`
	Failures         int64   `json:"failures"`
	ValidationFails  int64   `json:"validation_failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	SuccessRate      float64 `json:"success_rate"`
}

const usageAggregates = "COUNT(*) AS calls, " +
	"COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS failures, " +
	"COALESCE(SUM(CASE WHEN failure_kind = 'validation' THEN 1 ELSE 0 END), 0) AS validation_fails, " +
	"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, " +
	"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, " +
	"COALESCE(SUM(cost_usd), 0) AS cost_usd, " +
	"COALESCE(AVG(latency_ms), 0) AS avg_latency_ms"

func withRates(rows []UsageRow) []UsageRow {
	for i := range rows {
		if rows[i].Calls > 0 {
			rows[i].SuccessRate = float64(rows[i].Calls-rows[i].Failures) / float64(rows[i].Calls) * 100
		}
	}
	if rows == nil {
		rows = []UsageRow{}
	}
	return rows
}

func (l *UsageLedger) Summary(f UsageFilter) (*UsageRow, error) {
	var row UsageRow
	if err := l.scoped(f).Select(usageAggregates).Scan(&row).Error; err != nil {
		return nil, err
	}
	return &withRates([]UsageRow{row})[0], nil
}

// Trend returns one row per UTC day, oldest first.
func (l *UsageLedger) Trend(f UsageFilter) ([]UsageRow, error) {
	var rows []UsageRow
	err := l.scoped(f).
		Select("DATE(created_at) AS bucket, " + usageAggregates).
		Group("DATE(created_at)").
		Order("bucket ASC").
		Scan(&rows).Error
	return withRates(rows), err
}

// Usage can be grouped by these columns only; the dimension comes from the
// URL so it must never reach SQL unchecked.
var usageDimensions = map[string]string{
	"provider":       "provider",
	"model":          "model",
	"prompt_version": "prompt_version",
	"failure_kind":   "failure_kind",
}

// ErrUnknownDimension is returned by Breakdown for an unsupported grouping.
var ErrUnknownDimension = fmt.Errorf("unknown usage dimension")

// Breakdown groups usage by one dimension, busiest first.
func (l *UsageLedger) Breakdown(f UsageFilter, dimension string) ([]UsageRow, error) {
	col, ok := usageDimensions[dimension]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDimension, dimension)
	}
	var rows []UsageRow
	err := l.scoped(f).
		Select(col + " AS bucket, " + usageAggregates).
		Group(col).
		Order("calls DESC, bucket ASC").
		Scan(&rows).Error
	return withRates(rows), err
}

// PurgeBefore deletes call records older than cutoff.
func (l *UsageLedger) PurgeBefore(cutoff time.Time) (int64, error) {
	res := l.db.Where("created_at < ?", cutoff).Delete(&models.ProviderCall{})
	return res.RowsAffected, res.Error
}
