package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/store"
	"github.com/huangang/modsentry/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	microsPerUSD     = 1_000_000
	budgetCounterTTL = 40 * 24 * time.Hour
	budgetMarkerTTL  = 72 * time.Hour

	reservationReleaseTimeout = 5 * time.Second
)

// BudgetSettings are the limits in force; a zero limit means unlimited.
type BudgetSettings struct {
	DailyLimitUSD   float64 `json:"dailyLimitUSD"`
	MonthlyLimitUSD float64 `json:"monthlyLimitUSD"`
	AlertThresholds []int   `json:"alertThresholds"`
}

// BudgetSettingsSource supplies the current limits.
type BudgetSettingsSource interface {
	BudgetSettings(ctx context.Context) BudgetSettings
}

// StaticBudgetSettings serves the limits from the config file.
type StaticBudgetSettings config.BudgetConfig

func (s StaticBudgetSettings) BudgetSettings(context.Context) BudgetSettings {
	return BudgetSettings{
		DailyLimitUSD:   s.DailyLimitUSD,
		MonthlyLimitUSD: s.MonthlyLimitUSD,
		AlertThresholds: s.AlertThresholds,
	}
}

// BudgetAlert is sent once per threshold per day.
type BudgetAlert struct {
	Date          string  `json:"date"`
	Threshold     int     `json:"threshold"`
	SpentUSD      float64 `json:"spentUSD"`
	DailyLimitUSD float64 `json:"dailyLimitUSD"`
}

// AlertNotifier delivers operational alerts.
type AlertNotifier interface {
	NotifyBudgetAlert(ctx context.Context, alert BudgetAlert)
	NotifyCircuitOpen(ctx context.Context, provider string, rec CircuitRecord)
}

// CostRecord is one priced provider call.
type CostRecord struct {
	Provider      string
	CostUSD       float64
	CorrelationID string
	At            time.Time
}

// BudgetState is a point-in-time snapshot.
type BudgetState struct {
	Date                  string             `json:"date"`
	DailySpentUSD         float64            `json:"dailySpentUSD"`
	DailyLimitUSD         float64            `json:"dailyLimitUSD"`
	DailyRemainingUSD     float64            `json:"dailyRemainingUSD"`
	DailyReservedUSD      float64            `json:"dailyReservedUSD"`
	MonthlySpentUSD       float64            `json:"monthlySpentUSD"`
	MonthlyLimitUSD       float64            `json:"monthlyLimitUSD"`
	PerProviderDailySpent map[string]float64 `json:"perProviderDailySpent"`
	AlertsFiredToday      []int              `json:"alertsFiredToday"`
}

// BudgetTracker keeps spend counters in the shared store as integer
// micro-dollars so concurrent workers can use atomic increments.
type BudgetTracker struct {
	store     store.Store
	db        *gorm.DB
	settings  BudgetSettingsSource
	notifier  AlertNotifier
	providers func(ctx context.Context) []string
	now       func() time.Time
}

func NewBudgetTracker(st store.Store, db *gorm.DB, settings BudgetSettingsSource, notifier AlertNotifier) *BudgetTracker {
	return &BudgetTracker{
		store:     st,
		db:        db,
		settings:  settings,
		notifier:  notifier,
		providers: func(context.Context) []string { return nil },
		now:       time.Now,
	}
}

// SetProviderNames supplies the provider list used for per-provider snapshots.
func (b *BudgetTracker) SetProviderNames(fn func(ctx context.Context) []string) {
	b.providers = fn
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }
func monthOf(t time.Time) string { return t.UTC().Format("2006-01") }

func dailyKey(day string) string { return "budget:daily:" + day }
func providerDailyKey(day, name string) string { return "budget:daily:" + day + ":provider:" + name }
func monthlyKey(month string) string { return "budget:monthly:" + month }
func alertKey(day string, threshold int) string {
	return fmt.Sprintf("budget:alerted:%s:%d", day, threshold)
}
func rolloverKey(day string) string { return "budget:archived:" + day }
func reservedDailyKey(day string) string { return "budget:reserved:" + day }
func reservedMonthlyKey(month string) string { return "budget:reserved:month:" + month }

func toMicros(usd float64) int64 { return int64(math.Round(usd * microsPerUSD)) }
func fromMicros(m int64) float64 { return float64(m) / microsPerUSD }

func (b *BudgetTracker) readMicros(ctx context.Context, key string) (int64, error) {
	raw, err := b.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// CanAfford reports whether estimateUSD fits under both limits, counting
// estimates already reserved by in-flight calls. It reserves nothing; the
// analysis path admits calls through Reserve.
func (b *BudgetTracker) CanAfford(ctx context.Context, estimateUSD float64) (bool, error) {
	s := b.settings.BudgetSettings(ctx)
	now := b.now()
	estimate := toMicros(estimateUSD)

	check := func(limitUSD float64, spentKey, reservedKey string) (bool, error) {
		if limitUSD <= 0 {
			return true, nil
		}
		spent, err := b.readMicros(ctx, spentKey)
		if err != nil {
			return false, err
		}
		reserved, err := b.readMicros(ctx, reservedKey)
		if err != nil {
			return false, err
		}
		return spent+max(reserved, 0)+estimate <= toMicros(limitUSD), nil
	}

	ok, err := check(s.DailyLimitUSD, dailyKey(dayOf(now)), reservedDailyKey(dayOf(now)))
	if err != nil || !ok {
		return false, wrapErr("read daily spend", err)
	}
	ok, err = check(s.MonthlyLimitUSD, monthlyKey(monthOf(now)), reservedMonthlyKey(monthOf(now)))
	if err != nil {
		return false, wrapErr("read monthly spend", err)
	}
	return ok, nil
}

func wrapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

// BudgetReservation holds an admitted call's estimate against the limits
// until Release. Reservations are keyed by the day and month they were made
// in, so a release after midnight returns the estimate to the right window.
type BudgetReservation struct {
	day, month string
	micros     int64
	once       sync.Once
}

// Reserve admits a call costing about estimateUSD. The estimate is added to
// the reservation counters and the spend counters are read in the same
// atomic round-trip; if spend plus every outstanding reservation exceeds a
// limit the reservation is rolled back and nil is returned. Concurrent
// admissions can therefore never jointly overshoot a limit by more than the
// gap between their estimates and actual costs.
func (b *BudgetTracker) Reserve(ctx context.Context, estimateUSD float64) (*BudgetReservation, error) {
	s := b.settings.BudgetSettings(ctx)
	now := b.now()
	res := &BudgetReservation{day: dayOf(now), month: monthOf(now), micros: toMicros(estimateUSD)}
	if res.micros <= 0 || (s.DailyLimitUSD <= 0 && s.MonthlyLimitUSD <= 0) {
		res.micros = 0
		return res, nil
	}

	values, err := b.store.IncrBy(ctx, budgetCounterTTL,
		store.Increment{Key: reservedDailyKey(res.day), Delta: res.micros},
		store.Increment{Key: dailyKey(res.day), Delta: 0},
		store.Increment{Key: reservedMonthlyKey(res.month), Delta: res.micros},
		store.Increment{Key: monthlyKey(res.month), Delta: 0},
	)
	if err != nil {
		return nil, fmt.Errorf("reserve budget: %w", err)
	}

	overDaily := s.DailyLimitUSD > 0 && values[0]+values[1] > toMicros(s.DailyLimitUSD)
	overMonthly := s.MonthlyLimitUSD > 0 && values[2]+values[3] > toMicros(s.MonthlyLimitUSD)
	if overDaily || overMonthly {
		b.Release(ctx, res)
		return nil, nil
	}
	return res, nil
}

// Release returns the reservation's estimate. It runs at most once per
// reservation and survives caller cancellation, since a leaked reservation
// withholds budget until the day ends.
func (b *BudgetTracker) Release(ctx context.Context, res *BudgetReservation) {
	if res == nil || res.micros == 0 {
		return
	}
	res.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reservationReleaseTimeout)
		defer cancel()
		_, err := b.store.IncrBy(ctx, budgetCounterTTL,
			store.Increment{Key: reservedDailyKey(res.day), Delta: -res.micros},
			store.Increment{Key: reservedMonthlyKey(res.month), Delta: -res.micros},
		)
		if err != nil {
			logger.Errorf("[Budget] failed to release reservation of $%.6f: %v", fromMicros(res.micros), err)
		}
	})
}

// RecordCost adds the cost to the daily, per-provider and monthly counters
// in one atomic round-trip, then fires any newly crossed alert thresholds.
func (b *BudgetTracker) RecordCost(ctx context.Context, rec CostRecord) error {
	micros := toMicros(rec.CostUSD)
	if micros <= 0 {
		return nil
	}
	at := rec.At
	if at.IsZero() {
		at = b.now()
	}
	day := dayOf(at)

	values, err := b.store.IncrBy(ctx, budgetCounterTTL,
		store.Increment{Key: dailyKey(day), Delta: micros},
		store.Increment{Key: providerDailyKey(day, rec.Provider), Delta: micros},
		store.Increment{Key: monthlyKey(monthOf(at)), Delta: micros},
	)
	if err != nil {
		return fmt.Errorf("record cost: %w", err)
	}

	b.checkAlerts(ctx, day, values[0])
	return nil
}

func (b *BudgetTracker) checkAlerts(ctx context.Context, day string, dailyMicros int64) {
	s := b.settings.BudgetSettings(ctx)
	if s.DailyLimitUSD <= 0 {
		return
	}
	limit := toMicros(s.DailyLimitUSD)
	thresholds := append([]int(nil), s.AlertThresholds...)
	sort.Ints(thresholds)

	for _, t := range thresholds {
		if dailyMicros*100 < limit*int64(t) {
			break
		}
		first, err := b.store.SetNX(ctx, alertKey(day, t), "1", budgetMarkerTTL)
		if err != nil {
			logger.Warnf("[Budget] alert marker write failed: %v", err)
			return
		}
		if !first {
			continue
		}
		recordBudgetAlert(t)
		alert := BudgetAlert{Date: day, Threshold: t, SpentUSD: fromMicros(dailyMicros), DailyLimitUSD: s.DailyLimitUSD}
		logger.Warnf("[Budget] %d%% of daily budget reached: $%.4f of $%.2f", t, alert.SpentUSD, alert.DailyLimitUSD)
		if b.notifier != nil {
			b.notifier.NotifyBudgetAlert(ctx, alert)
		}
	}
}

// Rollover archives the previous day and initializes today's counters. It is
// safe to run from every worker: the archive happens once, and counters are
// only initialized when absent.
func (b *BudgetTracker) Rollover(ctx context.Context, now time.Time) error {
	today := dayOf(now)
	prevTime := now.UTC().AddDate(0, 0, -1)
	prev := dayOf(prevTime)

	claimed, err := b.store.SetNX(ctx, rolloverKey(prev), "1", budgetMarkerTTL)
	if err != nil {
		return fmt.Errorf("claim rollover: %w", err)
	}
	if claimed {
		if err := b.archive(ctx, prev, prevTime); err != nil {
			// Let another worker retry the archive.
			_, _ = b.store.CompareAndDelete(ctx, rolloverKey(prev), "1")
			return err
		}
	}

	keys := []string{dailyKey(today), monthlyKey(monthOf(now))}
	for _, name := range b.providers(ctx) {
		keys = append(keys, providerDailyKey(today, name))
	}
	for _, k := range keys {
		if _, err := b.store.SetNX(ctx, k, "0", budgetCounterTTL); err != nil {
			return fmt.Errorf("init counter %s: %w", k, err)
		}
	}
	return nil
}

func (b *BudgetTracker) archive(ctx context.Context, day string, at time.Time) error {
	state, err := b.snapshot(ctx, day, monthOf(at))
	if err != nil {
		return err
	}
	logger.Infof("[Budget] archiving %s: spent $%.4f (month to date $%.4f)", day, state.DailySpentUSD, state.MonthlySpentUSD)
	if b.db == nil {
		return nil
	}

	perProvider, _ := json.Marshal(state.PerProviderDailySpent)
	fired := make([]string, len(state.AlertsFiredToday))
	for i, t := range state.AlertsFiredToday {
		fired[i] = strconv.Itoa(t)
	}
	row := models.BudgetArchive{
		Date:            day,
		DailySpentUSD:   state.DailySpentUSD,
		MonthlySpentUSD: state.MonthlySpentUSD,
		ProviderSpend:   string(perProvider),
		DailyLimitUSD:   state.DailyLimitUSD,
		AlertsFired:     strings.Join(fired, ","),
	}
	if err := b.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	LogInfo("budget", "rollover", fmt.Sprintf("archived %s: $%.4f spent", day, state.DailySpentUSD), "", state)
	return nil
}

// Status returns the current BudgetState.
func (b *BudgetTracker) Status(ctx context.Context) (*BudgetState, error) {
	now := b.now()
	return b.snapshot(ctx, dayOf(now), monthOf(now))
}

func (b *BudgetTracker) snapshot(ctx context.Context, day, month string) (*BudgetState, error) {
	s := b.settings.BudgetSettings(ctx)

	daily, err := b.readMicros(ctx, dailyKey(day))
	if err != nil {
		return nil, err
	}
	monthly, err := b.readMicros(ctx, monthlyKey(month))
	if err != nil {
		return nil, err
	}
	reserved, err := b.readMicros(ctx, reservedDailyKey(day))
	if err != nil {
		return nil, err
	}

	state := &BudgetState{
		Date:                  day,
		DailySpentUSD:         fromMicros(daily),
		DailyLimitUSD:         s.DailyLimitUSD,
		DailyReservedUSD:      fromMicros(max(reserved, 0)),
		MonthlySpentUSD:       fromMicros(monthly),
		MonthlyLimitUSD:       s.MonthlyLimitUSD,
		PerProviderDailySpent: make(map[string]float64),
		AlertsFiredToday:      []int{},
	}
	if s.DailyLimitUSD > 0 {
		state.DailyRemainingUSD = math.Max(0, s.DailyLimitUSD-state.DailySpentUSD)
	}

	for _, name := range b.providers(ctx) {
		spent, err := b.readMicros(ctx, providerDailyKey(day, name))
		if err != nil {
			return nil, err
		}
		state.PerProviderDailySpent[name] = fromMicros(spent)
	}

	for _, t := range s.AlertThresholds {
		if _, err := b.store.Get(ctx, alertKey(day, t)); err == nil {
			state.AlertsFiredToday = append(state.AlertsFiredToday, t)
		}
	}
	sort.Ints(state.AlertsFiredToday)
	return state, nil
}
