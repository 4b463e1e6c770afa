package handler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/aggregator"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/delivery"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/fetch"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/metrics"
)

// User-facing texts.
const (
	DefaultPrompt = "请参考附件信息"

	usageText = "请提供图片生成提示词或上传参考图片\n\n使用方法:\n" +
		"• <code>/imagine 你想生成的图片描述</code>\n" +
		"• <code>/imagine</code> + 发送参考图片\n" +
		"• <code>/imagine 描述文字</code> + 发送参考图片\n"
	placeholderText   = "🎨 正在生成图片，请稍候..."
	generationFailed  = "❌ 图片生成过程中发生错误，请稍后再试"
	nothingToDeliver  = "❌ 生成的图片下载失败，请稍后再试"
	previewFailedText = "❌ 图片发送失败，请稍后再试"
	emptyAnswerText   = "⚠️ 没有生成任何内容"

	processingReaction = "🔥"
)

// DefaultEditInterval throttles placeholder edits while the answer streams in.
const DefaultEditInterval = 1500 * time.Millisecond

// Collector merges a trigger with the media it was sent with.
type Collector interface {
	Collect(ctx context.Context, prompt string, trigger domain.Fragment) (*aggregator.Result, error)
}

// Deliverer sends generated assets back to the chat.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Outcome, error)
}

// ImagineConfig configures Imagine.
type ImagineConfig struct {
	Transport     domain.Transport
	Collector     Collector
	Generator     domain.Generator
	Delivery      Deliverer
	BotUsername   string
	DefaultPrompt string
	EditInterval  time.Duration
	Logger        *slog.Logger
}

// Imagine runs one /imagine request end to end.
type Imagine struct {
	transport     domain.Transport
	collector     Collector
	generator     domain.Generator
	delivery      Deliverer
	botUsername   string
	defaultPrompt string
	editInterval  time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func NewImagine(cfg ImagineConfig) *Imagine {
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = DefaultPrompt
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = DefaultEditInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Imagine{
		transport:     cfg.Transport,
		collector:     cfg.Collector,
		generator:     cfg.Generator,
		delivery:      cfg.Delivery,
		botUsername:   strings.TrimPrefix(cfg.BotUsername, "@"),
		defaultPrompt: cfg.DefaultPrompt,
		editInterval:  cfg.EditInterval,
		logger:        cfg.Logger,
		now:           time.Now,
	}
}

// Handle processes the command carried by trigger. prompt is the command's
// argument text with any bot mention removed.
func (h *Imagine) Handle(ctx context.Context, trigger domain.Fragment, prompt string) error {
	chatID := trigger.ChatID
	log := h.logger.With("chat_id", chatID, "message_id", trigger.MessageID)

	merged, err := h.collector.Collect(ctx, prompt, trigger)
	if err != nil {
		log.Error("failed to collect media", "err", err)
		h.notify(ctx, trigger, generationFailed)
		return err
	}

	if prompt == "" && !merged.HasMedia() {
		h.notify(ctx, trigger, usageText)
		return nil
	}
	if prompt == "" {
		prompt = h.defaultPrompt
	}

	if err := h.transport.SetReaction(ctx, chatID, trigger.MessageID, processingReaction); err != nil {
		log.Debug("failed to set reaction", "err", err)
	}

	placeholderID, err := h.transport.SendText(ctx, chatID, placeholderText, domain.SendOptions{ReplyTo: trigger.MessageID})
	if err != nil {
		log.Warn("failed to send placeholder", "err", err)
		placeholderID = 0
	}

	log.Info("starting image generation",
		"prompt_len", len([]rune(prompt)), "fragments", merged.Fragments, "has_media", merged.HasMedia())

	result, err := h.generate(ctx, domain.GenerateRequest{
		Prompt:        prompt,
		Media:         merged.Media,
		SenderID:      strconv.FormatInt(trigger.SenderID, 10),
		BotUsername:   h.botUsername,
		ForcedCommand: domain.ForcedImagine,
	}, chatID, placeholderID)
	if err != nil {
		log.Error("image generation failed", "err", err)
		h.notify(ctx, trigger, generationFailed)
		h.deletePlaceholder(ctx, chatID, placeholderID)
		return err
	}

	if len(result.ImageURLs) == 0 {
		h.finishText(ctx, trigger, placeholderID, result.Answer)
		return nil
	}

	html, markdown := delivery.CaptionsFor(result)
	out, err := h.delivery.Deliver(ctx, delivery.Request{
		ChatID:          chatID,
		ImageURLs:       result.ImageURLs,
		CaptionHTML:     html,
		CaptionMarkdown: markdown,
		PlaceholderID:   placeholderID,
		TriggerID:       trigger.MessageID,
	})
	if out == nil {
		out = &delivery.Outcome{}
	}
	switch {
	case errors.Is(err, fetch.ErrNoAssets):
		h.replacePlaceholder(ctx, trigger, placeholderID, nothingToDeliver)
		return err
	case err != nil && !out.PreviewDelivered && !out.OriginalsDelivered:
		h.replacePlaceholder(ctx, trigger, placeholderID, previewFailedText)
		return err
	case err != nil:
		// Originals went out; only the preview is missing.
		h.deletePlaceholder(ctx, chatID, placeholderID)
		log.Warn("preview failed but originals delivered", "err", err)
		return nil
	}

	log.Info("image delivery complete",
		"files", len(out.Files), "format", out.Format, "originals", out.OriginalsDelivered)
	return nil
}

// generate streams the workflow, mirroring partial text into the placeholder.
func (h *Imagine) generate(ctx context.Context, req domain.GenerateRequest, chatID int64, placeholderID int) (*domain.GenerationResult, error) {
	start := h.now()
	events := make(chan domain.GenerationEvent, 16)
	errc := make(chan error, 1)
	go func() { errc <- h.generator.GenerateStream(ctx, req, events) }()

	var (
		result   *domain.GenerationResult
		partial  strings.Builder
		lastEdit time.Time
		shown    string
	)
	for ev := range events {
		switch ev.Type {
		case domain.GenerationChunk:
			partial.WriteString(ev.Text)
			if placeholderID == 0 || h.now().Sub(lastEdit) < h.editInterval {
				continue
			}
			text := strings.TrimSpace(partial.String())
			if text == "" || text == shown {
				continue
			}
			if err := h.transport.EditText(ctx, chatID, placeholderID, text, domain.ParseModeNone); err != nil {
				h.logger.Debug("failed to update placeholder", "chat_id", chatID, "err", err)
			}
			lastEdit = h.now()
			shown = text
		case domain.GenerationDone:
			result = ev.Result
		}
	}
	err := <-errc
	metrics.GenerationLatency.Observe(h.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("workflow finished without a result")
	}
	return result, nil
}

// finishText shows a text-only answer in place of the placeholder.
func (h *Imagine) finishText(ctx context.Context, trigger domain.Fragment, placeholderID int, answer string) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = emptyAnswerText
	}
	h.replacePlaceholder(ctx, trigger, placeholderID, answer)
}

// replacePlaceholder edits the placeholder to text, falling back to plain
// rendering and finally to a new message.
func (h *Imagine) replacePlaceholder(ctx context.Context, trigger domain.Fragment, placeholderID int, text string) {
	if placeholderID != 0 {
		err := h.transport.EditText(ctx, trigger.ChatID, placeholderID, text, domain.ParseModeHTML)
		if err == nil {
			return
		}
		h.logger.Debug("html edit failed, retrying plain", "chat_id", trigger.ChatID, "err", err)
		if err = h.transport.EditText(ctx, trigger.ChatID, placeholderID, text, domain.ParseModeNone); err == nil {
			return
		}
		h.logger.Warn("failed to edit placeholder", "chat_id", trigger.ChatID, "err", err)
	}
	h.notify(ctx, trigger, text)
}

func (h *Imagine) notify(ctx context.Context, trigger domain.Fragment, text string) {
	_, err := h.transport.SendText(ctx, trigger.ChatID, text, domain.SendOptions{
		ReplyTo:   trigger.MessageID,
		ParseMode: domain.ParseModeHTML,
	})
	if err != nil {
		h.logger.Error("failed to send notice", "chat_id", trigger.ChatID, "err", err)
	}
}

func (h *Imagine) deletePlaceholder(ctx context.Context, chatID int64, placeholderID int) {
	if placeholderID == 0 {
		return
	}
	if err := h.transport.DeleteMessage(ctx, chatID, placeholderID); err != nil {
		h.logger.Debug("failed to delete placeholder", "chat_id", chatID, "err", err)
	}
}
