package models

import (
	"strconv"
	"strings"
	"time"
)

// SystemConfig is a runtime-tunable setting (stored in database).
type SystemConfig struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:key;uniqueIndex;size:100;not null" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:20;default:string" json:"type"`      // string, int, float, bool, int_list
	Group     string    `gorm:"column:group;size:50;index" json:"group"` // budget, analysis, usage
	Label     string    `gorm:"size:200" json:"label"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SystemConfig) TableName() string { return "system_configs" }

// ParseFloat parses a float setting, returning def when malformed.
func ParseFloat(value string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return def
	}
	return f
}

// ParseIntList parses "50,75,90" style settings, skipping malformed items.
func ParseIntList(value string) []int {
	var out []int
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
