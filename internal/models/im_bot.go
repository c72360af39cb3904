package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// IMBot is an IM webhook that receives budget and provider alerts.
type IMBot struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	Name          string         `gorm:"size:100;not null" json:"name"`
	Type          string         `gorm:"size:50;not null" json:"type"` // wechat_work, dingtalk, feishu, slack, discord, generic
	Webhook       string         `gorm:"size:500;not null" json:"-"`
	WebhookMask   string         `gorm:"-" json:"webhook"`
	Secret        string         `gorm:"size:255" json:"-"`
	IsActive      bool           `gorm:"default:true" json:"is_active"`
	BudgetAlerts  bool           `gorm:"default:true" json:"budget_alerts"`
	CircuitAlerts bool           `gorm:"column:circuit_alert;default:false" json:"circuit_alerts"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (IMBot) TableName() string { return "im_bots" }

// MaskWebhook hides the path and query of the webhook URL; most platforms
// embed the access token there.
func (b *IMBot) MaskWebhook() string {
	u := b.Webhook
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	scheme := ""
	if i := strings.Index(u, "://"); i >= 0 {
		scheme, u = u[:i+3], u[i+3:]
	}
	if i := strings.IndexByte(u, '/'); i >= 0 {
		return scheme + u[:i] + "/****"
	}
	return scheme + u
}
