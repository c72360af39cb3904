package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/pkg/logger"
	"gorm.io/gorm"
)

// ErrProviderNotFound is returned for ids that match no live llm_configs row.
var ErrProviderNotFound = errors.New("provider not found")

// Defaults applied to new provider rows when the request leaves them zero.
const (
	defaultProviderType = "openai"
	defaultMaxTokens    = 1024
	defaultTemperature  = 0.1
	defaultPriority     = 10
	defaultProviderPage = 10
	providerOrderClause = "priority ASC, name ASC"
)

// LLMConfigService is the CRUD layer over llm_configs. Selection never reads
// it directly; ProviderRegistry caches the active rows as clients.
type LLMConfigService struct {
	db *gorm.DB
}

func NewLLMConfigService(db *gorm.DB) *LLMConfigService {
	return &LLMConfigService{db: db}
}

type LLMConfigListRequest struct {
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Name     string `form:"name"`
	Provider string `form:"provider"`
	IsActive *bool  `form:"is_active"`
}

type LLMConfigListResponse struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []models.LLMConfig `json:"items"`
}

type CreateLLMConfigRequest struct {
	Name               string  `json:"name" binding:"required"`
	Provider           string  `json:"provider" binding:"omitempty,oneof=openai azure anthropic gemini ollama"`
	BaseURL            string  `json:"base_url"`
	APIKey             string  `json:"api_key"`
	Model              string  `json:"model" binding:"required"`
	MaxTokens          int     `json:"max_tokens" binding:"min=0"`
	Temperature        float64 `json:"temperature" binding:"min=0,max=2"`
	Priority           int     `json:"priority" binding:"min=0"`
	Weight             int     `json:"weight" binding:"min=0"`
	CostPerInputToken  float64 `json:"cost_per_input_token" binding:"min=0"`
	CostPerOutputToken float64 `json:"cost_per_output_token" binding:"min=0"`
	IsActive           bool    `json:"is_active"`
}

// UpdateLLMConfigRequest is a partial update: empty strings and nil
// pointers leave the column untouched, so an API key is never cleared.
type UpdateLLMConfigRequest struct {
	Name               string   `json:"name"`
	Provider           string   `json:"provider" binding:"omitempty,oneof=openai azure anthropic gemini ollama"`
	BaseURL            string   `json:"base_url"`
	APIKey             string   `json:"api_key"`
	Model              string   `json:"model"`
	MaxTokens          *int     `json:"max_tokens" binding:"omitempty,min=0"`
	Temperature        *float64 `json:"temperature" binding:"omitempty,min=0,max=2"`
	Priority           *int     `json:"priority" binding:"omitempty,min=0"`
	Weight             *int     `json:"weight" binding:"omitempty,min=0"`
	CostPerInputToken  *float64 `json:"cost_per_input_token" binding:"omitempty,min=0"`
	CostPerOutputToken *float64 `json:"cost_per_output_token" binding:"omitempty,min=0"`
	IsActive           *bool    `json:"is_active"`
}

func (r *UpdateLLMConfigRequest) changes() map[string]interface{} {
	out := make(map[string]interface{})
	for col, v := range map[string]string{
		"name":     r.Name,
		"provider": r.Provider,
		"base_url": r.BaseURL,
		"api_key":  r.APIKey,
		"model":    r.Model,
	} {
		if v != "" {
			out[col] = v
		}
	}
	for col, v := range map[string]*int{
		"max_tokens": r.MaxTokens,
		"priority":   r.Priority,
		"weight":     r.Weight,
	} {
		if v != nil {
			out[col] = *v
		}
	}
	for col, v := range map[string]*float64{
		"temperature":           r.Temperature,
		"cost_per_input_token":  r.CostPerInputToken,
		"cost_per_output_token": r.CostPerOutputToken,
	} {
		if v != nil {
			out[col] = *v
		}
	}
	if r.IsActive != nil {
		out["is_active"] = *r.IsActive
	}
	return out
}

func masked(cfg *models.LLMConfig) *models.LLMConfig {
	cfg.APIKeyMask = cfg.MaskAPIKey()
	return cfg
}

// List pages through provider rows in selection order. Name matches either
// the provider name or its model.
func (s *LLMConfigService) List(req *LLMConfigListRequest) (*LLMConfigListResponse, error) {
	page, size := req.Page, req.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = defaultProviderPage
	}

	query := s.db.Model(&models.LLMConfig{})
	if req.Name != "" {
		like := "%" + req.Name + "%"
		query = query.Where("name LIKE ? OR model LIKE ?", like, like)
	}
	if req.Provider != "" {
		query = query.Where("provider = ?", req.Provider)
	}
	if req.IsActive != nil {
		query = query.Where("is_active = ?", *req.IsActive)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	items := make([]models.LLMConfig, 0, size)
	if err := query.Order(providerOrderClause).Offset((page - 1) * size).Limit(size).Find(&items).Error; err != nil {
		return nil, err
	}
	for i := range items {
		masked(&items[i])
	}
	return &LLMConfigListResponse{Total: total, Page: page, PageSize: size, Items: items}, nil
}

func (s *LLMConfigService) find(id uint) (*models.LLMConfig, error) {
	var cfg models.LLMConfig
	err := s.db.First(&cfg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *LLMConfigService) GetByID(id uint) (*models.LLMConfig, error) {
	cfg, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return masked(cfg), nil
}

// Create inserts a provider row, filling unset tuning fields with defaults.
func (s *LLMConfigService) Create(req *CreateLLMConfigRequest) (*models.LLMConfig, error) {
	cfg := models.LLMConfig{
		Name:               req.Name,
		Provider:           req.Provider,
		BaseURL:            req.BaseURL,
		APIKey:             req.APIKey,
		Model:              req.Model,
		MaxTokens:          req.MaxTokens,
		Temperature:        req.Temperature,
		Priority:           req.Priority,
		Weight:             req.Weight,
		CostPerInputToken:  req.CostPerInputToken,
		CostPerOutputToken: req.CostPerOutputToken,
		IsActive:           req.IsActive,
	}
	if cfg.Provider == "" {
		cfg.Provider = defaultProviderType
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Priority == 0 {
		cfg.Priority = defaultPriority
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&cfg).Error; err != nil {
			return err
		}
		// The column defaults to true, and Create drops a false bool.
		if !req.IsActive {
			return tx.Model(&cfg).Update("is_active", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return masked(&cfg), nil
}

func (s *LLMConfigService) Update(id uint, req *UpdateLLMConfigRequest) (*models.LLMConfig, error) {
	cfg, err := s.find(id)
	if err != nil {
		return nil, err
	}
	if changes := req.changes(); len(changes) > 0 {
		if err := s.db.Model(cfg).Updates(changes).Error; err != nil {
			return nil, err
		}
	}
	return s.GetByID(id)
}

// Delete soft-deletes the row so historical provider_calls keep their name.
func (s *LLMConfigService) Delete(id uint) error {
	res := s.db.Delete(&models.LLMConfig{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// GetActive returns enabled providers in selection order.
func (s *LLMConfigService) GetActive() ([]models.LLMConfig, error) {
	var configs []models.LLMConfig
	err := s.db.Where("is_active = ?", true).Order(providerOrderClause).Find(&configs).Error
	return configs, err
}

// ProviderSource lists the configured providers with ready clients.
type ProviderSource interface {
	Providers(ctx context.Context) ([]*Provider, error)
}

// ProviderRegistry builds clients from llm_configs and reuses them until the
// rows change or refreshEvery elapses.
type ProviderRegistry struct {
	configs      *LLMConfigService
	factory      func(ctx context.Context, cfg models.LLMConfig) (ProviderClient, error)
	refreshEvery time.Duration

	mu        sync.Mutex
	loadedAt  time.Time
	providers []*Provider
}

func NewProviderRegistry(configs *LLMConfigService) *ProviderRegistry {
	return &ProviderRegistry{
		configs:      configs,
		factory:      NewProviderClient,
		refreshEvery: 30 * time.Second,
	}
}

// Invalidate forces a reload on the next call.
func (r *ProviderRegistry) Invalidate() {
	r.mu.Lock()
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

func (r *ProviderRegistry) Providers(ctx context.Context) ([]*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loadedAt.IsZero() && time.Since(r.loadedAt) < r.refreshEvery {
		return r.providers, nil
	}

	rows, err := r.configs.GetActive()
	if err != nil {
		if r.providers != nil {
			logger.Warnf("[Providers] reload failed, keeping previous list: %v", err)
			return r.providers, nil
		}
		return nil, err
	}

	providers := make([]*Provider, 0, len(rows))
	for _, row := range rows {
		client, err := r.factory(ctx, row)
		if err != nil {
			logger.Errorf("[Providers] cannot build client for %s: %v", row.Name, err)
			continue
		}
		providers = append(providers, &Provider{Config: row, Client: client})
	}
	r.providers = providers
	r.loadedAt = time.Now()
	return providers, nil
}

// StaticProviders serves a fixed provider list.
type StaticProviders []*Provider

func (s StaticProviders) Providers(context.Context) ([]*Provider, error) {
	return s, nil
}

// ProviderNames returns the names of all providers from src, sorted.
func ProviderNames(ctx context.Context, src ProviderSource) []string {
	providers, err := src.Providers(ctx)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	sort.Strings(names)
	return names
}
