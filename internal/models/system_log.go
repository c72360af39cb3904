package models

import "time"

// SystemLog records operational events: circuit transitions, budget alerts, rollovers.
type SystemLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Level         string    `gorm:"size:20;index" json:"level"` // info, warning, error
	Module        string    `gorm:"size:100;index" json:"module"`
	Action        string    `gorm:"size:200;index" json:"action"`
	Message       string    `gorm:"type:text" json:"message"`
	CorrelationID string    `gorm:"size:64;index" json:"correlation_id,omitempty"`
	Extra         string    `gorm:"type:text" json:"extra"` // JSON extra data
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

func (SystemLog) TableName() string { return "system_logs" }
