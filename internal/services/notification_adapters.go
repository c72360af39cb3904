package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/pkg/logger"
)

// Alert is a platform-neutral operational message.
type Alert struct {
	Kind     string // budget, circuit
	Severity string // warning, critical
	Title    string
	Fields   [][2]string
	At       time.Time
}

// NotificationAdapter sends an Alert to one IM platform.
type NotificationAdapter interface {
	Send(ctx context.Context, bot *models.IMBot, alert *Alert) error
}

var adapters = map[string]NotificationAdapter{
	"wechat_work": &wecomAdapter{},
	"dingtalk":    &dingtalkAdapter{},
	"feishu":      &feishuAdapter{},
	"slack":       &slackAdapter{},
	"discord":     &discordAdapter{},
}

// getAdapter falls back to the plain JSON adapter for unknown types so a
// typo in bot config still delivers something.
func getAdapter(botType string) NotificationAdapter {
	if a, ok := adapters[botType]; ok {
		return a
	}
	return &genericAdapter{}
}

const webhookReplyLimit = 4 << 10

var notificationHTTPClient = &http.Client{Timeout: 10 * time.Second}

// replyCheck inspects a 2xx reply body. Chinese IM platforms answer
// rejected messages with 200 and an error code in the body.
type replyCheck func(body []byte) error

func deliver(ctx context.Context, target string, payload interface{}, check replyCheck) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := notificationHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, webhookReplyLimit))

	logger.Debugf("[Notification] POST %s -> %d", redactWebhook(target), resp.StatusCode)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, reply)
	}
	if check != nil {
		return check(reply)
	}
	return nil
}

// errcodeReply covers DingTalk and WeCom ({"errcode":0,"errmsg":"ok"}).
func errcodeReply(body []byte) error {
	var r struct {
		ErrCode *int   `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if json.Unmarshal(body, &r) != nil || r.ErrCode == nil || *r.ErrCode == 0 {
		return nil
	}
	return fmt.Errorf("webhook rejected alert: errcode %d: %s", *r.ErrCode, r.ErrMsg)
}

// feishuReply covers Feishu ({"code":0,"msg":"success"}).
func feishuReply(body []byte) error {
	var r struct {
		Code *int   `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &r) != nil || r.Code == nil || *r.Code == 0 {
		return nil
	}
	return fmt.Errorf("webhook rejected alert: code %d: %s", *r.Code, r.Msg)
}

// redactWebhook drops the query string, which usually carries the token.
func redactWebhook(webhook string) string {
	if i := strings.IndexByte(webhook, '?'); i >= 0 {
		return webhook[:i]
	}
	return webhook
}

func buildAlertMarkdown(a *Alert) string {
	icon := "🟡"
	if a.Severity == "critical" {
		icon = "🔴"
	}
	lines := make([]string, 0, len(a.Fields)+3)
	lines = append(lines, icon+" **"+a.Title+"**", "")
	for _, f := range a.Fields {
		lines = append(lines, "**"+f[0]+"**: "+f[1])
	}
	lines = append(lines, "", a.At.UTC().Format(time.RFC3339))
	return strings.Join(lines, "\n")
}

func buildAlertText(a *Alert) string {
	return strings.ReplaceAll(buildAlertMarkdown(a), "**", "")
}

func hmacBase64(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DingTalk signs "timestamp\nsecret" with the secret as key.
func dingTalkSign(timestamp int64, secret string) string {
	return hmacBase64(secret, strconv.FormatInt(timestamp, 10)+"\n"+secret)
}

// Feishu uses "timestamp\nsecret" itself as the key over an empty message.
func feishuSign(timestamp int64, secret string) string {
	return hmacBase64(strconv.FormatInt(timestamp, 10)+"\n"+secret, "")
}

func dingTalkWebhookURL(webhook, secret string) string {
	if secret == "" {
		return webhook
	}
	ts := time.Now().UnixMilli()
	sep := "&"
	if !strings.Contains(webhook, "?") {
		sep = "?"
	}
	return webhook + sep + "timestamp=" + strconv.FormatInt(ts, 10) + "&sign=" + url.QueryEscape(dingTalkSign(ts, secret))
}

type wecomAdapter struct{}

func (wecomAdapter) Send(ctx context.Context, bot *models.IMBot, alert *Alert) error {
	return deliver(ctx, bot.Webhook, map[string]interface{}{
		"msgtype":     "markdown_v2",
		"markdown_v2": map[string]string{"content": buildAlertMarkdown(alert)},
	}, errcodeReply)
}

type dingtalkAdapter struct{}

func (dingtalkAdapter) Send(ctx context.Context, bot *models.IMBot, alert *Alert) error {
	return deliver(ctx, dingTalkWebhookURL(bot.Webhook, bot.Secret), map[string]interface{}{
		"msgtype":  "markdown",
		"markdown": map[string]string{"title": alert.Title, "text": buildAlertMarkdown(alert)},
	}, errcodeReply)
}

type feishuAdapter struct{}

func (feishuAdapter) Send(ctx context.Context, bot *models.IMBot, alert *Alert) error {
	payload := map[string]interface{}{
		"msg_type": "text",
		"content":  map[string]string{"text": buildAlertText(alert)},
	}
	if bot.Secret != "" {
		ts := time.Now().Unix()
		payload["timestamp"] = strconv.FormatInt(ts, 10)
		payload["sign"] = feishuSign(ts, bot.Secret)
	}
	return deliver(ctx, bot.Webhook, payload, feishuReply)
}

type slackAdapter struct{}

func (slackAdapter) Send(ctx context.Context, bot *models.IMBot, alert *Alert) error {
	icon := ":large_yellow_circle:"
	if alert.Severity == "critical" {
		icon = ":red_circle:"
	}
	header := icon + " *" + alert.Title + "*"

	blocks := []map[string]interface{}{
		{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": header}},
	}
	if len(alert.Fields) > 0 {
		fields := make([]map[string]string, 0, len(alert.Fields))
		for _, f := range alert.Fields {
			fields = append(fields, map[string]string{"type": "mrkdwn", "text": "*" + f[0] + "*\n" + f[1]})
		}
		blocks = append(blocks, map[string]interface{}{"type": "section", "fields": fields})
	}
	return deliver(ctx, bot.Webhook, map[string]interface{}{"text": header, "blocks": blocks}, nil)
}

type discordAdapter struct{}

func (discordAdapter) Send(ctx context.Context, bot *models.IMBot, alert *Alert) error {
	return deliver(ctx, bot.Webhook, map[string]string{"content": buildAlertMarkdown(alert)}, nil)
}

// genericAdapter posts the alert as flat JSON for custom receivers.
type genericAdapter struct{}

func (genericAdapter) Send(ctx context.Context, bot *models.IMBot, alert *Alert) error {
	fields := make(map[string]string, len(alert.Fields))
	for _, f := range alert.Fields {
		fields[f[0]] = f[1]
	}
	return deliver(ctx, bot.Webhook, map[string]interface{}{
		"type":     alert.Kind,
		"severity": alert.Severity,
		"title":    alert.Title,
		"fields":   fields,
		"at":       alert.At.UTC().Format(time.RFC3339),
	}, nil)
}
