package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/internal/store"
	"github.com/huangang/modsentry/pkg/logger"
	"gorm.io/gorm"
)

const (
	KeyBudgetDailyLimit    = "budget_daily_limit_usd"
	KeyBudgetMonthlyLimit  = "budget_monthly_limit_usd"
	KeyBudgetAlertLevels   = "budget_alert_thresholds"
	KeyABTestingEnabled    = "analysis_ab_testing_enabled"
	KeyUsageRetentionDays  = "usage_retention_days"
	KeyLogRetentionDays    = "log_retention_days"
	settingsCacheTTL       = 60 * time.Second
	settingsCachePrefix    = "settings:"
	settingsMissingPayload = "\x00missing"
)

// SystemConfigService reads runtime settings from system_configs. Values are
// cached in the shared store so every replica sees an update within a minute.
// Without a database it serves the static configuration.
type SystemConfigService struct {
	db       *gorm.DB
	store    store.Store
	defaults *config.Config
}

func NewSystemConfigService(db *gorm.DB, st store.Store, defaults *config.Config) *SystemConfigService {
	return &SystemConfigService{db: db, store: st, defaults: defaults}
}

func (s *SystemConfigService) Get(ctx context.Context, key string) (string, error) {
	if s.store != nil {
		if raw, err := s.store.Get(ctx, settingsCachePrefix+key); err == nil {
			if raw == settingsMissingPayload {
				return "", gorm.ErrRecordNotFound
			}
			return raw, nil
		}
	}
	if s.db == nil {
		return "", gorm.ErrRecordNotFound
	}

	var cfg models.SystemConfig
	err := s.db.WithContext(ctx).Where("`key` = ?", key).First(&cfg).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	cached := cfg.Value
	if err != nil {
		cached = settingsMissingPayload
	}
	if s.store != nil {
		if serr := s.store.Set(ctx, settingsCachePrefix+key, cached, settingsCacheTTL); serr != nil {
			logger.Warnf("[Settings] Failed to cache %s: %v", key, serr)
		}
	}
	if err != nil {
		return "", err
	}
	return cfg.Value, nil
}

func (s *SystemConfigService) GetWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	return value
}

func (s *SystemConfigService) Set(ctx context.Context, key, value string) error {
	if s.db == nil {
		return errors.New("settings are read-only without a database")
	}
	var cfg models.SystemConfig
	err := s.db.WithContext(ctx).Where("`key` = ?", key).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg = models.SystemConfig{
			Key:   key,
			Value: value,
		}
		err = s.db.WithContext(ctx).Create(&cfg).Error
	} else if err == nil {
		err = s.db.WithContext(ctx).Model(&cfg).Update("value", value).Error
	}
	if err != nil {
		return err
	}
	if s.store != nil {
		if derr := s.store.Del(ctx, settingsCachePrefix+key); derr != nil {
			logger.Warnf("[Settings] Failed to invalidate %s: %v", key, derr)
		}
	}
	return nil
}

func (s *SystemConfigService) GetByGroup(ctx context.Context, group string) ([]models.SystemConfig, error) {
	var configs []models.SystemConfig
	if s.db == nil {
		return configs, nil
	}
	if err := s.db.WithContext(ctx).Where("`group` = ?", group).Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

// BudgetSettings implements BudgetSettingsSource.
func (s *SystemConfigService) BudgetSettings(ctx context.Context) BudgetSettings {
	def := s.defaults.Budget
	settings := BudgetSettings{
		DailyLimitUSD:   models.ParseFloat(s.GetWithDefault(ctx, KeyBudgetDailyLimit, ""), def.DailyLimitUSD),
		MonthlyLimitUSD: models.ParseFloat(s.GetWithDefault(ctx, KeyBudgetMonthlyLimit, ""), def.MonthlyLimitUSD),
		AlertThresholds: models.ParseIntList(s.GetWithDefault(ctx, KeyBudgetAlertLevels, "")),
	}
	if len(settings.AlertThresholds) == 0 {
		settings.AlertThresholds = def.AlertThresholds
	}
	return settings
}

// ABTestingEnabled reports whether provider traffic is split by weight.
func (s *SystemConfigService) ABTestingEnabled(ctx context.Context) bool {
	v, err := strconv.ParseBool(s.GetWithDefault(ctx, KeyABTestingEnabled, ""))
	if err != nil {
		return s.defaults.Analysis.ABTestingEnabled
	}
	return v
}

// RetentionDays returns the usage and system log retention windows.
func (s *SystemConfigService) RetentionDays(ctx context.Context) (usageDays, logDays int) {
	usageDays = s.defaults.Usage.RetentionDays
	logDays = usageDays
	if v, err := strconv.Atoi(s.GetWithDefault(ctx, KeyUsageRetentionDays, "")); err == nil && v > 0 {
		usageDays = v
	}
	if v, err := strconv.Atoi(s.GetWithDefault(ctx, KeyLogRetentionDays, "")); err == nil && v > 0 {
		logDays = v
	}
	return usageDays, logDays
}

// UpdateSettingsRequest carries the runtime-tunable settings an operator may change.
type UpdateSettingsRequest struct {
	DailyLimitUSD    *float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD  *float64 `json:"monthly_limit_usd"`
	AlertThresholds  *string  `json:"alert_thresholds"`
	ABTestingEnabled *bool    `json:"ab_testing_enabled"`
}

func (s *SystemConfigService) UpdateSettings(ctx context.Context, req *UpdateSettingsRequest) error {
	if req.DailyLimitUSD != nil {
		if *req.DailyLimitUSD < 0 {
			return errors.New("daily limit must not be negative")
		}
		if err := s.Set(ctx, KeyBudgetDailyLimit, strconv.FormatFloat(*req.DailyLimitUSD, 'f', -1, 64)); err != nil {
			return err
		}
	}
	if req.MonthlyLimitUSD != nil {
		if *req.MonthlyLimitUSD < 0 {
			return errors.New("monthly limit must not be negative")
		}
		if err := s.Set(ctx, KeyBudgetMonthlyLimit, strconv.FormatFloat(*req.MonthlyLimitUSD, 'f', -1, 64)); err != nil {
			return err
		}
	}
	if req.AlertThresholds != nil {
		if err := s.Set(ctx, KeyBudgetAlertLevels, *req.AlertThresholds); err != nil {
			return err
		}
	}
	if req.ABTestingEnabled != nil {
		if err := s.Set(ctx, KeyABTestingEnabled, strconv.FormatBool(*req.ABTestingEnabled)); err != nil {
			return err
		}
	}
	return nil
}
