package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/huangang/modsentry/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

var dialectors = map[string]func(dsn string) gorm.Dialector{
	"sqlite":   sqlite.Open,
	"mysql":    mysql.Open,
	"postgres": postgres.Open,
}

// InitDB opens the configured relational store. It holds provider
// definitions, settings, alert bots, the usage ledger and audit logs;
// the analysis path itself never waits on it.
func InitDB(cfg *config.DatabaseConfig) error {
	open, ok := dialectors[cfg.Driver]
	if !ok {
		return fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	DB = db
	return nil
}

// Tables lists every model owned by the service, in migration order.
func Tables() []interface{} {
	return []interface{}{
		&LLMConfig{},
		&ProviderCall{},
		&BudgetArchive{},
		&SystemConfig{},
		&IMBot{},
		&SystemLog{},
	}
}

func AutoMigrate() error {
	return DB.AutoMigrate(Tables()...)
}

func GetDB() *gorm.DB {
	return DB
}

// SeedDefaultData inserts settings and providers from the config file on
// first boot. Rows that already exist, by key or by name, are left alone so
// edits made through the admin API survive restarts.
func SeedDefaultData(cfg *config.Config) error {
	for _, setting := range defaultSettings(cfg) {
		if err := createIfMissing(&SystemConfig{}, "key", setting.Key, &setting); err != nil {
			return fmt.Errorf("seed setting %s: %w", setting.Key, err)
		}
	}

	for _, p := range cfg.Providers {
		row := providerRow(p)
		if err := createIfMissing(&LLMConfig{}, "name", p.Name, &row); err != nil {
			return fmt.Errorf("seed provider %s: %w", p.Name, err)
		}
		// Create skips false booleans in favour of the column default.
		if row.ID != 0 && !p.Enabled {
			DB.Model(&row).Update("is_active", false)
		}
	}
	return nil
}

func createIfMissing(model interface{}, column, value string, row interface{}) error {
	var n int64
	// Map conditions are quoted by gorm, which matters for the "key" column on MySQL.
	if err := DB.Model(model).Where(map[string]interface{}{column: value}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return DB.Create(row).Error
}

func defaultSettings(cfg *config.Config) []SystemConfig {
	thresholds := make([]string, len(cfg.Budget.AlertThresholds))
	for i, t := range cfg.Budget.AlertThresholds {
		thresholds[i] = strconv.Itoa(t)
	}
	float := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

	return []SystemConfig{
		{Key: "budget_daily_limit_usd", Value: float(cfg.Budget.DailyLimitUSD), Type: "float", Group: "budget", Label: "Daily Budget (USD)"},
		{Key: "budget_monthly_limit_usd", Value: float(cfg.Budget.MonthlyLimitUSD), Type: "float", Group: "budget", Label: "Monthly Budget (USD)"},
		{Key: "budget_alert_thresholds", Value: strings.Join(thresholds, ","), Type: "int_list", Group: "budget", Label: "Budget Alert Thresholds (%)"},
		{Key: "analysis_ab_testing_enabled", Value: strconv.FormatBool(cfg.Analysis.ABTestingEnabled), Type: "bool", Group: "analysis", Label: "Enable Provider A/B Split"},
		{Key: "usage_retention_days", Value: strconv.Itoa(cfg.Usage.RetentionDays), Type: "int", Group: "usage", Label: "Usage Log Retention Days"},
		{Key: "log_retention_days", Value: "30", Type: "int", Group: "system", Label: "System Log Retention Days"},
	}
}

func providerRow(p config.ProviderConfig) LLMConfig {
	return LLMConfig{
		Name:               p.Name,
		Provider:           p.Type,
		BaseURL:            p.BaseURL,
		APIKey:             p.APIKey,
		Model:              p.Model,
		MaxTokens:          p.MaxTokens,
		Temperature:        p.Temperature,
		Priority:           p.Priority,
		Weight:             p.Weight,
		CostPerInputToken:  p.CostPerInputToken,
		CostPerOutputToken: p.CostPerOutputToken,
		IsActive:           p.Enabled,
	}
}
