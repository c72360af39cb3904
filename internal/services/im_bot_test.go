package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/huangang/modsentry/internal/models"
)

func TestIMBotService_Subscribers(t *testing.T) {
	svc := NewIMBotService(newTestDB(t))
	for _, req := range []*CreateIMBotRequest{
		{Name: "ops-slack", Type: "slack", Webhook: "https://hooks.slack.com/services/T/B/x", IsActive: true, BudgetAlerts: true, CircuitAlerts: true},
		{Name: "finance", Type: "generic", Webhook: "https://example.com/hook", IsActive: true, BudgetAlerts: true},
		{Name: "muted", Type: "discord", Webhook: "https://discord.com/api/webhooks/1/abc", IsActive: false, BudgetAlerts: true, CircuitAlerts: true},
	} {
		if _, err := svc.Create(req); err != nil {
			t.Fatalf("Create(%s) error = %v", req.Name, err)
		}
	}

	tests := []struct {
		kind     string
		expected []string
	}{
		{AlertKindBudget, []string{"finance", "ops-slack"}},
		{AlertKindCircuit, []string{"ops-slack"}},
	}
	for _, tt := range tests {
		bots, err := svc.Subscribers(tt.kind)
		if err != nil {
			t.Fatalf("Subscribers(%s) error = %v", tt.kind, err)
		}
		got := botNames(bots)
		if fmt.Sprint(sortedCopy(got)) != fmt.Sprint(tt.expected) {
			t.Errorf("Subscribers(%s) = %v, expected %v", tt.kind, got, tt.expected)
		}
	}

	if _, err := svc.Subscribers("weather"); err == nil {
		t.Error("expected error for an unknown alert kind")
	}
}

func TestIMBotService_CreateKeepsFalseFlags(t *testing.T) {
	svc := NewIMBotService(newTestDB(t))
	bot, err := svc.Create(&CreateIMBotRequest{Name: "quiet", Type: "generic", Webhook: "https://example.com/h"})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	stored, _ := svc.GetByID(bot.ID)
	if stored.IsActive || stored.BudgetAlerts || stored.CircuitAlerts {
		t.Errorf("flags = %v/%v/%v, expected all false", stored.IsActive, stored.BudgetAlerts, stored.CircuitAlerts)
	}
}

func TestIMBotService_UpdateAndDelete(t *testing.T) {
	svc := NewIMBotService(newTestDB(t))
	bot, _ := svc.Create(&CreateIMBotRequest{Name: "ops", Type: "slack", Webhook: "https://hooks.slack.com/services/a", IsActive: true})

	circuit := true
	updated, err := svc.Update(bot.ID, &UpdateIMBotRequest{Name: "ops-oncall", CircuitAlerts: &circuit})
	if err != nil {
		t.Fatalf("Update error = %v", err)
	}
	if updated.Name != "ops-oncall" || !updated.CircuitAlerts || !updated.IsActive {
		t.Errorf("Update = %+v", updated)
	}

	if _, err := svc.Update(999, &UpdateIMBotRequest{Name: "x"}); !errors.Is(err, ErrBotNotFound) {
		t.Errorf("Update missing error = %v, expected ErrBotNotFound", err)
	}
	if err := svc.Delete(bot.ID); err != nil {
		t.Fatalf("Delete error = %v", err)
	}
	if err := svc.Delete(bot.ID); !errors.Is(err, ErrBotNotFound) {
		t.Errorf("second Delete error = %v, expected ErrBotNotFound", err)
	}
}

func TestIMBotService_ListMasksWebhooks(t *testing.T) {
	svc := NewIMBotService(newTestDB(t))
	svc.Create(&CreateIMBotRequest{Name: "ding", Type: "dingtalk", Webhook: "https://oapi.dingtalk.com/robot/send?access_token=secret", IsActive: true, CircuitAlerts: true})
	svc.Create(&CreateIMBotRequest{Name: "lark", Type: "feishu", Webhook: "https://open.feishu.cn/open-apis/bot/v2/hook/secret", IsActive: true})

	bots, err := svc.List(&IMBotFilter{Subscription: AlertKindCircuit})
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	if len(bots) != 1 || bots[0].Name != "ding" {
		t.Fatalf("List(circuit) = %v, expected [ding]", botNames(bots))
	}
	if bots[0].WebhookMask != "https://oapi.dingtalk.com/****" {
		t.Errorf("WebhookMask = %q", bots[0].WebhookMask)
	}
}

func TestMaskWebhook(t *testing.T) {
	tests := []struct {
		webhook  string
		expected string
	}{
		{"https://hooks.slack.com/services/T/B/xyz", "https://hooks.slack.com/****"},
		{"https://example.com?token=abc", "https://example.com"},
		{"https://example.com", "https://example.com"},
		{"example.com/path", "example.com/****"},
	}
	for _, tt := range tests {
		bot := models.IMBot{Webhook: tt.webhook}
		if got := bot.MaskWebhook(); got != tt.expected {
			t.Errorf("MaskWebhook(%q) = %q, expected %q", tt.webhook, got, tt.expected)
		}
	}
}

func TestGetAdapter(t *testing.T) {
	tests := []struct {
		botType string
		want    NotificationAdapter
	}{
		{"wechat_work", &wecomAdapter{}},
		{"dingtalk", &dingtalkAdapter{}},
		{"feishu", &feishuAdapter{}},
		{"slack", &slackAdapter{}},
		{"discord", &discordAdapter{}},
		{"generic", &genericAdapter{}},
		{"unknown", &genericAdapter{}},
	}

	for _, tt := range tests {
		t.Run(tt.botType, func(t *testing.T) {
			got := getAdapter(tt.botType)
			if gotType, wantType := fmt.Sprintf("%T", got), fmt.Sprintf("%T", tt.want); gotType != wantType {
				t.Errorf("getAdapter(%q) = %s, expected %s", tt.botType, gotType, wantType)
			}
		})
	}
}

func botNames(bots []models.IMBot) []string {
	names := make([]string, len(bots))
	for i, b := range bots {
		names[i] = b.Name
	}
	return names
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
