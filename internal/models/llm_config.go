package models

import (
	"time"

	"gorm.io/gorm"
)

// LLMConfig is one analysis provider (stored in database).
type LLMConfig struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Name               string         `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Provider           string         `gorm:"size:50;default:openai" json:"provider"` // openai, azure, anthropic, gemini, ollama
	BaseURL            string         `gorm:"size:500" json:"base_url"`
	APIKey             string         `gorm:"size:500" json:"-"`
	APIKeyMask         string         `gorm:"-" json:"api_key_mask"` // For display only
	Model              string         `gorm:"size:100" json:"model"`
	MaxTokens          int            `gorm:"default:1024" json:"max_tokens"`
	Temperature        float64        `gorm:"default:0.1" json:"temperature"`
	Priority           int            `gorm:"default:10;index" json:"priority"` // 1 = highest
	Weight             int            `gorm:"default:0" json:"weight"`          // A/B share
	CostPerInputToken  float64        `json:"cost_per_input_token"`
	CostPerOutputToken float64        `json:"cost_per_output_token"`
	IsActive           bool           `gorm:"default:true" json:"is_active"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

func (LLMConfig) TableName() string { return "llm_configs" }

// MaskAPIKey returns masked API key for display
func (l *LLMConfig) MaskAPIKey() string {
	if len(l.APIKey) <= 8 {
		return "****"
	}
	return l.APIKey[:4] + "****" + l.APIKey[len(l.APIKey)-4:]
}

// EstimateCostUSD prices a call at this provider's per-token rates.
func (l *LLMConfig) EstimateCostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*l.CostPerInputToken + float64(outputTokens)*l.CostPerOutputToken
}
