package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/liqsentry/internal/models"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	sent     []tgbotapi.MessageConfig
	attempts int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return tgbotapi.Message{}, errors.New("telegram unavailable")
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestFormatAlert(t *testing.T) {
	a := models.Alert{
		BorrowerID:             "0xabc",
		Type:                   models.AlertLowHealthFactor,
		Severity:               models.SeverityWarning,
		Message:                "Health factor 1.042 is below 1.1",
		HealthFactor:           1.042,
		LiquidationProbability: 0.25,
		CreatedAt:              time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SuggestedActions: []models.Action{
			{Kind: models.ActionRepayDebt, Description: "Repay debt", Amount: 160, Urgency: models.UrgencyHigh},
		},
	}

	msg := formatAlert(a)
	for _, want := range []string{
		"*LOW HEALTH FACTOR* \\[WARNING\\]",
		"`0xabc`",
		"*1\\.042*",
		"*25\\.0%*",
		"Health factor 1\\.042 is below 1\\.1",
		"1\\. Repay debt \\(160\\.00\\) _high_",
		"2026\\-01\\-02 03:04:05",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("formatted alert missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatAlert_OmitsEmptyFields(t *testing.T) {
	msg := formatAlert(models.Alert{
		Type:      models.AlertMarketVolatility,
		Severity:  models.SeverityInfo,
		CreatedAt: time.Now(),
	})
	if strings.Contains(msg, "Health factor") || strings.Contains(msg, "probability") {
		t.Errorf("expected no health factor or probability lines:\n%s", msg)
	}
	if strings.Contains(msg, "Suggested actions") {
		t.Errorf("expected no actions section:\n%s", msg)
	}
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	fs := &fakeSender{failures: 2}
	c := newClient(fs, 42, 3, time.Millisecond)

	err := c.Send(context.Background(), models.Alert{Type: models.AlertHighRiskScore, Severity: models.SeverityWarning})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if fs.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", fs.attempts)
	}
	if len(fs.sent) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(fs.sent))
	}
	if fs.sent[0].ParseMode != "MarkdownV2" || fs.sent[0].ChatID != 42 {
		t.Errorf("unexpected message config: mode=%s chat=%d", fs.sent[0].ParseMode, fs.sent[0].ChatID)
	}
}

func TestSend_GivesUp(t *testing.T) {
	fs := &fakeSender{failures: 10}
	c := newClient(fs, 42, 2, time.Millisecond)

	err := c.Send(context.Background(), models.Alert{Severity: models.SeverityInfo})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if fs.attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", fs.attempts)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	fs := &fakeSender{failures: 10}
	c := newClient(fs, 42, 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Send(ctx, models.Alert{Severity: models.SeverityInfo})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if fs.attempts != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", fs.attempts)
	}
}

func TestSendRecovery(t *testing.T) {
	fs := &fakeSender{}
	c := newClient(fs, 7, 1, time.Millisecond)

	if err := c.SendRecovery(context.Background(), 4); err != nil {
		t.Fatalf("SendRecovery failed: %v", err)
	}
	if !strings.Contains(fs.sent[0].Text, "after 4 consecutive failure\\(s\\)") {
		t.Errorf("unexpected recovery text: %s", fs.sent[0].Text)
	}
}

func TestHandleCommand(t *testing.T) {
	fs := &fakeSender{}
	c := newClient(fs, 7, 1, time.Millisecond)
	c.SetStatusFunc(func() string { return "12 positions tracked" })

	cmd := func(text string) *tgbotapi.Message {
		return &tgbotapi.Message{
			Text:     text,
			Chat:     &tgbotapi.Chat{ID: 99},
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
		}
	}

	c.handleCommand(cmd("/ping"))
	c.handleCommand(cmd("/status"))
	c.handleCommand(cmd("/unknown"))

	if len(fs.sent) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(fs.sent))
	}
	if fs.sent[0].Text != "Pong" || fs.sent[0].ChatID != 99 {
		t.Errorf("unexpected ping reply: %+v", fs.sent[0])
	}
	if fs.sent[1].Text != "12 positions tracked" {
		t.Errorf("unexpected status reply: %s", fs.sent[1].Text)
	}
}
