package models

import "time"

// ProviderCall is one attempt against a provider, successful or not. Usage
// reports, prompt A/B comparisons and cost audits are built from these rows.
type ProviderCall struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	CorrelationID    string    `gorm:"size:64;index" json:"correlation_id"`
	RequestKey       string    `gorm:"size:200;index" json:"request_key"`
	LLMConfigID      uint      `json:"llm_config_id"`
	Provider         string    `gorm:"size:100;index:idx_provider_calls_provider_time,priority:1" json:"provider"`
	Model            string    `gorm:"size:100" json:"model"`
	PromptVersion    string    `gorm:"size:20" json:"prompt_version"`
	Attempt          int       `json:"attempt"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Success          bool      `json:"success"`
	FailureKind      string    `gorm:"size:50" json:"failure_kind,omitempty"`
	ErrorMessage     string    `gorm:"size:500" json:"error_message,omitempty"`
	CreatedAt        time.Time `gorm:"index;index:idx_provider_calls_provider_time,priority:2" json:"created_at"`
}

func (ProviderCall) TableName() string { return "provider_calls" }

func (c *ProviderCall) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}
