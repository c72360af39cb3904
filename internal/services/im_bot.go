package services

import (
	"errors"
	"fmt"

	"github.com/huangang/modsentry/internal/models"
	"gorm.io/gorm"
)

const (
	AlertKindBudget  = "budget"
	AlertKindCircuit = "circuit"
)

// subscriptionColumns maps an alert kind to the im_bots flag that opts in.
var subscriptionColumns = map[string]string{
	AlertKindBudget:  "budget_alerts",
	AlertKindCircuit: "circuit_alert",
}

var ErrBotNotFound = errors.New("im bot not found")

// IMBotService stores the alert destinations. There are only ever a handful
// of them, so listing is unpaginated.
type IMBotService struct {
	db *gorm.DB
}

func NewIMBotService(db *gorm.DB) *IMBotService {
	return &IMBotService{db: db}
}

type IMBotFilter struct {
	Type         string `form:"type"`
	Subscription string `form:"subscription" binding:"omitempty,oneof=budget circuit"`
	IsActive     *bool  `form:"is_active"`
}

type CreateIMBotRequest struct {
	Name          string `json:"name" binding:"required"`
	Type          string `json:"type" binding:"required,oneof=wechat_work dingtalk feishu slack discord generic"`
	Webhook       string `json:"webhook" binding:"required,url"`
	Secret        string `json:"secret"`
	IsActive      bool   `json:"is_active"`
	BudgetAlerts  bool   `json:"budget_alerts"`
	CircuitAlerts bool   `json:"circuit_alerts"`
}

type UpdateIMBotRequest struct {
	Name          string `json:"name"`
	Type          string `json:"type" binding:"omitempty,oneof=wechat_work dingtalk feishu slack discord generic"`
	Webhook       string `json:"webhook" binding:"omitempty,url"`
	Secret        string `json:"secret"`
	IsActive      *bool  `json:"is_active"`
	BudgetAlerts  *bool  `json:"budget_alerts"`
	CircuitAlerts *bool  `json:"circuit_alerts"`
}

func (s *IMBotService) List(f *IMBotFilter) ([]models.IMBot, error) {
	query := s.db.Model(&models.IMBot{})
	if f.Type != "" {
		query = query.Where("type = ?", f.Type)
	}
	if col, ok := subscriptionColumns[f.Subscription]; ok {
		query = query.Where(col+" = ?", true)
	}
	if f.IsActive != nil {
		query = query.Where("is_active = ?", *f.IsActive)
	}

	var bots []models.IMBot
	if err := query.Order("name ASC").Find(&bots).Error; err != nil {
		return nil, err
	}
	for i := range bots {
		bots[i].WebhookMask = bots[i].MaskWebhook()
	}
	return bots, nil
}

func (s *IMBotService) GetByID(id uint) (*models.IMBot, error) {
	var bot models.IMBot
	if err := s.db.First(&bot, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBotNotFound
		}
		return nil, err
	}
	bot.WebhookMask = bot.MaskWebhook()
	return &bot, nil
}

func (s *IMBotService) Create(req *CreateIMBotRequest) (*models.IMBot, error) {
	bot := models.IMBot{
		Name:          req.Name,
		Type:          req.Type,
		Webhook:       req.Webhook,
		Secret:        req.Secret,
		IsActive:      req.IsActive,
		BudgetAlerts:  req.BudgetAlerts,
		CircuitAlerts: req.CircuitAlerts,
	}
	// Select("*") writes false flags instead of letting column defaults win.
	if err := s.db.Select("*").Create(&bot).Error; err != nil {
		return nil, err
	}
	bot.WebhookMask = bot.MaskWebhook()
	return &bot, nil
}

func (s *IMBotService) Update(id uint, req *UpdateIMBotRequest) (*models.IMBot, error) {
	bot, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	for col, v := range map[string]string{"name": req.Name, "type": req.Type, "webhook": req.Webhook, "secret": req.Secret} {
		if v != "" {
			updates[col] = v
		}
	}
	for col, v := range map[string]*bool{"is_active": req.IsActive, "budget_alerts": req.BudgetAlerts, "circuit_alert": req.CircuitAlerts} {
		if v != nil {
			updates[col] = *v
		}
	}
	if len(updates) == 0 {
		return bot, nil
	}
	if err := s.db.Model(bot).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetByID(id)
}

func (s *IMBotService) Delete(id uint) error {
	result := s.db.Delete(&models.IMBot{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBotNotFound
	}
	return nil
}

// Subscribers returns the active bots opted in to one alert kind.
func (s *IMBotService) Subscribers(kind string) ([]models.IMBot, error) {
	col, ok := subscriptionColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown alert kind %q", kind)
	}
	var bots []models.IMBot
	if err := s.db.Where("is_active = ? AND "+col+" = ?", true, true).Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}
