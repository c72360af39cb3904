package models

import "time"

// BudgetArchive keeps one closed day of spend after the rollover.
type BudgetArchive struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Date            string    `gorm:"size:10;uniqueIndex;not null" json:"date"` // 2006-01-02, UTC
	DailySpentUSD   float64   `json:"daily_spent_usd"`
	MonthlySpentUSD float64   `json:"monthly_spent_usd"`
	ProviderSpend   string    `gorm:"type:text" json:"provider_spend"` // JSON object provider -> USD
	DailyLimitUSD   float64   `json:"daily_limit_usd"`
	AlertsFired     string    `gorm:"size:100" json:"alerts_fired"` // comma-separated thresholds
	CreatedAt       time.Time `json:"created_at"`
}

func (BudgetArchive) TableName() string { return "budget_archives" }
