package handler

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
)

// Recorder stores fragments for later merging.
type Recorder interface {
	Record(ctx context.Context, f domain.Fragment) (int, error)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Recorder    Recorder
	Imagine     *Imagine
	BotUsername string
	Logger      *slog.Logger
}

// Router is the entry point for every incoming fragment.
type Router struct {
	recorder    Recorder
	imagine     *Imagine
	botUsername string
	logger      *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		recorder:    cfg.Recorder,
		imagine:     cfg.Imagine,
		botUsername: strings.TrimPrefix(cfg.BotUsername, "@"),
		logger:      cfg.Logger,
	}
}

// Observe records media group fragments as they arrive so that a command
// handler working on the same group sees its siblings. It never blocks on
// the network and is called in receipt order.
func (r *Router) Observe(ctx context.Context, f domain.Fragment) {
	if !f.InGroup() {
		return
	}
	n, err := r.recorder.Record(ctx, f)
	if err != nil {
		r.logger.Warn("failed to record media group fragment",
			"chat_id", f.ChatID, "group", f.MediaGroupID, "message_id", f.MessageID, "err", err)
		return
	}
	r.logger.Debug("media group fragment recorded",
		"chat_id", f.ChatID, "group", f.MediaGroupID, "message_id", f.MessageID, "count", n)
}

// Handle dispatches commands. Fragments that are not addressed to the bot
// are ignored.
func (r *Router) Handle(ctx context.Context, f domain.Fragment) error {
	cmd, ok := ParseCommand(f.Body())
	if !ok {
		return nil
	}
	if !Addressed(f, cmd, r.botUsername) {
		r.logger.Debug("ignoring command not addressed to bot", "chat_id", f.ChatID, "command", cmd.Name)
		return nil
	}

	switch cmd.Name {
	case "imagine":
		return r.imagine.Handle(ctx, f, StripMention(cmd.Args, r.botUsername))
	case "start", "help":
		r.imagine.notify(ctx, f, usageText)
		return nil
	default:
		return nil
	}
}
