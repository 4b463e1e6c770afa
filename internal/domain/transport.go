package domain

import (
	"context"
	"errors"
)

// ParseMode selects how the chat platform renders captions and text.
type ParseMode string

const (
	ParseModeHTML       ParseMode = "HTML"
	ParseModeMarkdownV2 ParseMode = "MarkdownV2"
	ParseModeNone       ParseMode = ""
)

// ErrCaptionTooLong is returned by a Transport when the platform rejects a
// caption for exceeding its length limit.
var ErrCaptionTooLong = errors.New("message caption is too long")

// SendOptions carries per-call delivery settings.
type SendOptions struct {
	ReplyTo   int // 0 = not a reply
	ParseMode ParseMode
}

// Transport is the outbound side of the chat platform. Every call returns the
// id(s) of the sent message(s) or fails.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, mode ParseMode) error
	SendPhoto(ctx context.Context, chatID int64, path, caption string, opts SendOptions) (int, error)
	// SendPhotoGroup sends paths as one album; caption goes on the first item only.
	SendPhotoGroup(ctx context.Context, chatID int64, paths []string, caption string, opts SendOptions) ([]int, error)
	SendDocument(ctx context.Context, chatID int64, path, caption string, opts SendOptions) (int, error)
	SendDocumentGroup(ctx context.Context, chatID int64, paths []string, caption string, opts SendOptions) ([]int, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SetReaction(ctx context.Context, chatID int64, messageID int, emoji string) error
}
