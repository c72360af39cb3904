package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/pkg/logger"
)

const alertDeliveryTimeout = 15 * time.Second

// BotSource lists the active IM bots subscribed to an alert kind.
type BotSource interface {
	Subscribers(kind string) ([]models.IMBot, error)
}

// NotificationService implements AlertNotifier: every alert is logged,
// written to system_logs, pushed to the event hub and fanned out to
// subscribed IM bots.
type NotificationService struct {
	bots     BotSource
	events   *EventHub
	adapters func(botType string) NotificationAdapter
	wg       sync.WaitGroup
}

func NewNotificationService(bots BotSource) *NotificationService {
	return &NotificationService{bots: bots, adapters: getAdapter}
}

// SetEventHub streams alerts and circuit transitions to admin dashboards.
func (s *NotificationService) SetEventHub(hub *EventHub) {
	s.events = hub
}

func (s *NotificationService) NotifyBudgetAlert(ctx context.Context, alert BudgetAlert) {
	severity := "warning"
	if alert.Threshold >= 100 {
		severity = "critical"
	}
	msg := fmt.Sprintf("%d%% of the daily AI budget used ($%.2f of $%.2f)", alert.Threshold, alert.SpentUSD, alert.DailyLimitUSD)
	LogWarning("budget", "threshold_reached", msg, "", alert)
	s.events.Publish(OpsEvent{
		Kind:      AlertKindBudget,
		Severity:  severity,
		Threshold: alert.Threshold,
		SpentUSD:  alert.SpentUSD,
		Message:   msg,
	})

	s.dispatch(ctx, &Alert{
		Kind:     AlertKindBudget,
		Severity: severity,
		Title:    fmt.Sprintf("AI budget %d%% reached", alert.Threshold),
		Fields: [][2]string{
			{"Date", alert.Date},
			{"Spent", fmt.Sprintf("$%.4f", alert.SpentUSD)},
			{"Daily limit", fmt.Sprintf("$%.2f", alert.DailyLimitUSD)},
		},
		At: time.Now(),
	})
}

func (s *NotificationService) NotifyCircuitOpen(ctx context.Context, provider string, rec CircuitRecord) {
	s.dispatch(ctx, &Alert{
		Kind:     AlertKindCircuit,
		Severity: "critical",
		Title:    fmt.Sprintf("AI provider %s taken out of rotation", provider),
		Fields: [][2]string{
			{"Provider", provider},
			{"Consecutive failures", fmt.Sprintf("%d", rec.FailureCount)},
			{"Retry after", rec.OpenUntil.UTC().Format(time.RFC3339)},
		},
		At: time.Now(),
	})
}

// OnCircuitTransition is registered with the circuit breaker.
func (s *NotificationService) OnCircuitTransition(ctx context.Context, provider string, from, to CircuitState, rec CircuitRecord) {
	msg := fmt.Sprintf("%s circuit %s -> %s", provider, from, to)
	severity := "info"
	if to == CircuitOpen {
		severity = "critical"
	}
	s.events.Publish(OpsEvent{
		Kind:     AlertKindCircuit,
		Severity: severity,
		Provider: provider,
		From:     string(from),
		To:       string(to),
		Message:  msg,
	})

	switch to {
	case CircuitOpen:
		LogError("circuit", "opened", msg, "", rec)
		s.NotifyCircuitOpen(ctx, provider, rec)
	default:
		LogInfo("circuit", "transition", msg, "", rec)
	}
}

// SendTest delivers a sample alert to one bot synchronously.
func (s *NotificationService) SendTest(ctx context.Context, bot *models.IMBot) error {
	return s.adapters(bot.Type).Send(ctx, bot, &Alert{
		Kind:     "test",
		Severity: "warning",
		Title:    "Test alert",
		Fields:   [][2]string{{"Bot", bot.Name}},
		At:       time.Now(),
	})
}

// Wait blocks until in-flight deliveries finish.
func (s *NotificationService) Wait() {
	s.wg.Wait()
}

// dispatch delivers in the background so alerting never slows an analysis.
func (s *NotificationService) dispatch(ctx context.Context, alert *Alert) {
	if s == nil || s.bots == nil {
		return
	}
	bots, err := s.bots.Subscribers(alert.Kind)
	if err != nil {
		logger.Warnf("[Notification] Failed to load IM bots: %v", err)
		return
	}

	for i := range bots {
		bot := bots[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertDeliveryTimeout)
			defer cancel()
			if err := s.adapters(bot.Type).Send(dctx, &bot, alert); err != nil {
				logger.Warnf("[Notification] Failed to send %s alert to bot %s: %v", alert.Kind, bot.Name, err)
				return
			}
			logger.Infof("[Notification] Sent %s alert to bot %s (%s)", alert.Kind, bot.Name, bot.Type)
		}()
	}
}
