// Package channel connects the bot to Telegram: it polls updates, turns
// them into fragments, and implements the outbound transport.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/fetch"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	defaultPollTimeout   = 30
	defaultMaxConcurrent = 16
	defaultRatePerSecond = 20
	defaultRateBurst     = 5
)

// UpdateHandler consumes fragments. Observe runs inline in receipt order and
// must not block; Handle runs on its own goroutine.
type UpdateHandler interface {
	Observe(ctx context.Context, f domain.Fragment)
	Handle(ctx context.Context, f domain.Fragment) error
}

// TelegramConfig configures a Telegram channel.
type TelegramConfig struct {
	Token         string
	APIEndpoint   string   // optional Bot API server, "https://host/bot%s/%s"
	AllowFrom     []string // user IDs as strings; empty = allow all
	PollTimeout   int      // long-poll seconds
	MaxConcurrent int      // handlers running at once
	RatePerSecond float64  // outbound calls per second
	Burst         int
	Incoming      *fetch.Fetcher // where inbound media is downloaded
	Logger        *slog.Logger
}

// Telegram implements domain.Transport and the aggregator's media resolver
// on top of the Bot API.
type Telegram struct {
	bot         *tgbotapi.BotAPI
	token       string
	allowFrom   []int64
	pollTimeout int
	sem         chan struct{}
	limiter     *rate.Limiter
	incoming    *fetch.Fetcher
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewTelegram connects to the Bot API and verifies the token.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if cfg.APIEndpoint != "" {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, cfg.APIEndpoint)
	} else {
		bot, err = tgbotapi.NewBotAPI(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", redact(err, cfg.Token))
	}
	return newTelegram(bot, cfg), nil
}

func newTelegram(bot *tgbotapi.BotAPI, cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultRateBurst
	}
	return &Telegram{
		bot:         bot,
		token:       cfg.Token,
		allowFrom:   parseAllowFrom(cfg.AllowFrom),
		pollTimeout: cfg.PollTimeout,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		incoming:    cfg.Incoming,
		logger:      cfg.Logger,
	}
}

// Username is the bot's @name without the '@'.
func (t *Telegram) Username() string {
	if t.bot == nil {
		return ""
	}
	return t.bot.Self.UserName
}

// Run polls updates until ctx is cancelled, then waits for running handlers.
func (t *Telegram) Run(ctx context.Context, h UpdateHandler) error {
	t.logger.Info("telegram bot connected", "username", t.bot.Self.UserName, "id", t.bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	defer t.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(ctx, h, update)
		}
	}
}

func (t *Telegram) dispatch(ctx context.Context, h UpdateHandler, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	metrics.UpdatesTotal.Inc()

	f := FragmentFromMessage(msg)
	if msg.From != nil && !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	h.Observe(ctx, f)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case t.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-t.sem }()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("handler panic", "chat_id", f.ChatID, "message_id", f.MessageID, "panic", r)
			}
		}()
		if err := h.Handle(ctx, f); err != nil {
			t.logger.Warn("update handling failed", "chat_id", f.ChatID, "message_id", f.MessageID, "err", err)
		}
	}()
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func parseAllowFrom(ids []string) []int64 {
	var out []int64
	for _, s := range ids {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
