package loadtest

import (
	"math/rand"
	"time"
)

const defaultWebhookText = "Hello from load test!"

// Synthetic identifiers are drawn from [webhookIDMin, webhookIDMax].
const (
	webhookIDMin = 100000
	webhookIDMax = 999999
)

// WebhookUpdate is the synthetic Telegram update posted by telegram-webhook tests.
type WebhookUpdate struct {
	UpdateID int            `json:"update_id"`
	Message  WebhookMessage `json:"message"`
}

type WebhookMessage struct {
	MessageID int         `json:"message_id"`
	From      WebhookUser `json:"from"`
	Chat      WebhookChat `json:"chat"`
	Date      int64       `json:"date"`
	Text      string      `json:"text"`
}

type WebhookUser struct {
	ID           int    `json:"id"`
	FirstName    string `json:"first_name"`
	IsBot        bool   `json:"is_bot"`
	Username     string `json:"username"`
	LanguageCode string `json:"language_code"`
}

type WebhookChat struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

func randomWebhookID() int {
	return webhookIDMin + rand.Intn(webhookIDMax-webhookIDMin+1)
}

// NewWebhookUpdate builds a private-chat text message update with fresh
// random update, user and chat ids.
func NewWebhookUpdate(text string, now time.Time) WebhookUpdate {
	return WebhookUpdate{
		UpdateID: randomWebhookID(),
		Message: WebhookMessage{
			MessageID: 1,
			From: WebhookUser{
				ID:           randomWebhookID(),
				FirstName:    "Test",
				Username:     "testuser",
				LanguageCode: "en",
			},
			Chat: WebhookChat{
				ID:        randomWebhookID(),
				Type:      "private",
				FirstName: "Test",
				Username:  "testuser",
			},
			Date: now.Unix(),
			Text: text,
		},
	}
}
