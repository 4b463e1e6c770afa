package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen     = 4096
	telegramMaxRetryAfter = 30 * time.Second
)

var _ domain.Transport = (*Telegram)(nil)

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string, opts domain.SendOptions) (int, error) {
	msg := tgbotapi.NewMessage(chatID, truncate(text, telegramMaxMsgLen))
	msg.ParseMode = string(opts.ParseMode)
	msg.ReplyToMessageID = opts.ReplyTo
	sent, err := t.send(ctx, msg)
	return sent.MessageID, err
}

func (t *Telegram) EditText(ctx context.Context, chatID int64, messageID int, text string, mode domain.ParseMode) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, truncate(text, telegramMaxMsgLen))
	edit.ParseMode = string(mode)
	err := t.call(ctx, func() error {
		_, err := t.bot.Request(edit)
		return err
	})
	if isNotModified(err) {
		return nil
	}
	return err
}

func (t *Telegram) SendPhoto(ctx context.Context, chatID int64, path, caption string, opts domain.SendOptions) (int, error) {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
	photo.Caption = caption
	if caption != "" {
		photo.ParseMode = string(opts.ParseMode)
	}
	photo.ReplyToMessageID = opts.ReplyTo
	sent, err := t.send(ctx, photo)
	return sent.MessageID, err
}

func (t *Telegram) SendPhotoGroup(ctx context.Context, chatID int64, paths []string, caption string, opts domain.SendOptions) ([]int, error) {
	media := make([]interface{}, len(paths))
	for i, p := range paths {
		item := tgbotapi.NewInputMediaPhoto(tgbotapi.FilePath(p))
		if i == 0 && caption != "" {
			item.Caption = caption
			item.ParseMode = string(opts.ParseMode)
		}
		media[i] = item
	}
	return t.sendGroup(ctx, chatID, media, opts.ReplyTo)
}

func (t *Telegram) SendDocument(ctx context.Context, chatID int64, path, caption string, opts domain.SendOptions) (int, error) {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	if caption != "" {
		doc.ParseMode = string(opts.ParseMode)
	}
	doc.ReplyToMessageID = opts.ReplyTo
	sent, err := t.send(ctx, doc)
	return sent.MessageID, err
}

func (t *Telegram) SendDocumentGroup(ctx context.Context, chatID int64, paths []string, caption string, opts domain.SendOptions) ([]int, error) {
	media := make([]interface{}, len(paths))
	for i, p := range paths {
		item := tgbotapi.NewInputMediaDocument(tgbotapi.FilePath(p))
		if i == 0 && caption != "" {
			item.Caption = caption
			item.ParseMode = string(opts.ParseMode)
		}
		media[i] = item
	}
	return t.sendGroup(ctx, chatID, media, opts.ReplyTo)
}

func (t *Telegram) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	return t.call(ctx, func() error {
		_, err := t.bot.Request(del)
		return err
	})
}

// SetReaction sets a single emoji reaction. The Bot API method is newer than
// the client library, so it goes through MakeRequest.
func (t *Telegram) SetReaction(ctx context.Context, chatID int64, messageID int, emoji string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", strconv.FormatInt(chatID, 10))
	params.AddNonEmpty("message_id", strconv.Itoa(messageID))
	params.AddNonEmpty("reaction", fmt.Sprintf(`[{"type":"emoji","emoji":"%s"}]`, emoji))
	return t.call(ctx, func() error {
		_, err := t.bot.MakeRequest("setMessageReaction", params)
		return err
	})
}

func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	var sent tgbotapi.Message
	err := t.call(ctx, func() error {
		var err error
		sent, err = t.bot.Send(c)
		return err
	})
	return sent, err
}

func (t *Telegram) sendGroup(ctx context.Context, chatID int64, media []interface{}, replyTo int) ([]int, error) {
	group := tgbotapi.NewMediaGroup(chatID, media)
	group.ReplyToMessageID = replyTo
	var sent []tgbotapi.Message
	err := t.call(ctx, func() error {
		var err error
		sent, err = t.bot.SendMediaGroup(group)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(sent))
	for i, m := range sent {
		ids[i] = m.MessageID
	}
	return ids, nil
}

// call runs fn under the outbound rate limit. A 429 is waited out and retried
// once; every other error is classified and returned.
func (t *Telegram) call(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if wait := retryAfter(err); wait > 0 && attempt == 0 {
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(min(wait, telegramMaxRetryAfter)):
			}
			continue
		}
		return redact(classify(err), t.token)
	}
}

// apiError extracts a Bot API error in either pointer or value form.
func apiError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

func retryAfter(err error) time.Duration {
	if apiErr, ok := apiError(err); ok {
		if apiErr.RetryAfter > 0 {
			return time.Duration(apiErr.RetryAfter) * time.Second
		}
		if apiErr.Code == 429 {
			return time.Second
		}
		return 0
	}
	if err != nil && strings.Contains(err.Error(), "Too Many Requests") {
		return time.Second
	}
	return 0
}

// classify maps platform errors onto domain sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if apiErr, ok := apiError(err); ok {
		msg = apiErr.Message
	}
	if strings.Contains(strings.ToLower(msg), "caption is too long") {
		return fmt.Errorf("%w: %v", domain.ErrCaptionTooLong, err)
	}
	return err
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// redact strips the bot token from error text; file and API URLs embed it.
func redact(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes-1]) + "…"
}
