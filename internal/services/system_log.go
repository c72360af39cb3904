package services

import (
	"encoding/json"
	"time"

	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/pkg/logger"
	"gorm.io/gorm"
)

// Operational events (circuit transitions, budget alerts, rollovers, admin
// writes) are persisted to system_logs so operators can review them after
// the process logs have rotated away.

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

var eventDB *gorm.DB

func InitSystemLogger(db *gorm.DB) {
	eventDB = db
}

func LogInfo(module, action, message, correlationID string, extra interface{}) {
	recordEvent(LevelInfo, module, action, message, correlationID, extra)
}

func LogWarning(module, action, message, correlationID string, extra interface{}) {
	recordEvent(LevelWarning, module, action, message, correlationID, extra)
}

func LogError(module, action, message, correlationID string, extra interface{}) {
	recordEvent(LevelError, module, action, message, correlationID, extra)
}

func recordEvent(level, module, action, message, correlationID string, extra interface{}) {
	if eventDB == nil {
		return
	}
	row := models.SystemLog{
		Level:         level,
		Module:        module,
		Action:        action,
		Message:       message,
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
	}
	if extra != nil {
		if raw, err := json.Marshal(extra); err == nil {
			row.Extra = string(raw)
		}
	}
	if err := eventDB.Create(&row).Error; err != nil {
		logger.Warnf("[SystemLog] Failed to record %s/%s: %v", module, action, err)
	}
}

type SystemLogService struct {
	db *gorm.DB
}

func NewSystemLogService(db *gorm.DB) *SystemLogService {
	return &SystemLogService{db: db}
}

// SystemLogFilter selects events for the admin log view. Since and Until are
// whole UTC days; Until is inclusive.
type SystemLogFilter struct {
	Page          int       `form:"page" binding:"omitempty,min=1"`
	PageSize      int       `form:"page_size" binding:"omitempty,min=1,max=100"`
	Level         string    `form:"level" binding:"omitempty,oneof=info warning error"`
	Module        string    `form:"module"`
	Action        string    `form:"action"`
	CorrelationID string    `form:"correlation_id"`
	Since         time.Time `form:"since" time_format:"2006-01-02" time_utc:"1"`
	Until         time.Time `form:"until" time_format:"2006-01-02" time_utc:"1"`
	Search        string    `form:"search"`
}

type SystemLogPage struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []models.SystemLog `json:"items"`
}

func (f *SystemLogFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Level != "" {
		q = q.Where("level = ?", f.Level)
	}
	if f.Module != "" {
		q = q.Where("module = ?", f.Module)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.CorrelationID != "" {
		q = q.Where("correlation_id = ?", f.CorrelationID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until.AddDate(0, 0, 1))
	}
	if f.Search != "" {
		q = q.Where("message LIKE ?", "%"+f.Search+"%")
	}
	return q
}

// List returns one page of events, newest first.
func (s *SystemLogService) List(f *SystemLogFilter) (*SystemLogPage, error) {
	page := &SystemLogPage{Page: f.Page, PageSize: f.PageSize}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.PageSize == 0 {
		page.PageSize = 20
	}

	q := f.apply(s.db.Model(&models.SystemLog{}))
	if err := q.Count(&page.Total).Error; err != nil {
		return nil, err
	}
	err := q.Order("created_at DESC, id DESC").
		Offset((page.Page - 1) * page.PageSize).
		Limit(page.PageSize).
		Find(&page.Items).Error
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Trace returns every event recorded under one correlation id in the order
// it happened.
func (s *SystemLogService) Trace(correlationID string) ([]models.SystemLog, error) {
	var rows []models.SystemLog
	err := s.db.Where("correlation_id = ?", correlationID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// LogFacet counts events per module and action, for the filter dropdowns.
type LogFacet struct {
	Module string `json:"module"`
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

func (s *SystemLogService) Facets() ([]LogFacet, error) {
	var facets []LogFacet
	err := s.db.Model(&models.SystemLog{}).
		Select("module, action, COUNT(*) AS count").
		Group("module, action").
		Order("module, action").
		Scan(&facets).Error
	return facets, err
}

// PurgeBefore deletes events older than cutoff and reports how many went.
func (s *SystemLogService) PurgeBefore(cutoff time.Time) (int64, error) {
	res := s.db.Where("created_at < ?", cutoff).Delete(&models.SystemLog{})
	return res.RowsAffected, res.Error
}
