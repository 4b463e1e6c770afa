// Package delivery sends a generated result back to the chat: a compressed
// preview with caption first, then the same files uncompressed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/fetch"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/metrics"
)

// ErrPreviewFailed is returned when no format managed to send the preview.
var ErrPreviewFailed = errors.New("preview delivery failed")

const (
	labelSingleOriginal = "📎 Original (uncompressed)"
	labelBatchOriginals = "📎 Original files (%d images, uncompressed)"
)

// AssetFetcher downloads generated assets in order.
type AssetFetcher interface {
	FetchAll(ctx context.Context, urls []string) ([]fetch.Asset, error)
}

// Config configures a Pipeline.
type Config struct {
	Transport domain.Transport
	Fetcher   AssetFetcher
	Logger    *slog.Logger
	Observer  Observer
}

// Pipeline delivers generated assets. It is safe for concurrent use; all
// per-call state lives in the machine built by Deliver.
type Pipeline struct {
	transport domain.Transport
	fetcher   AssetFetcher
	logger    *slog.Logger
	observer  Observer
}

// Request describes one result to deliver.
type Request struct {
	ChatID          int64
	ImageURLs       []string
	CaptionHTML     string
	CaptionMarkdown string // used for MarkdownV2 and plain sends
	PlaceholderID   int    // deleted once the preview is out; 0 = none
	TriggerID       int    // the command message; preview reply target
}

// Outcome reports what a delivery achieved.
type Outcome struct {
	Files              []string
	PreviewID          int
	Format             domain.ParseMode
	CaptionStripped    bool
	PreviewDelivered   bool
	OriginalsDelivered bool
	Transitions        []Transition
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		transport: cfg.Transport,
		fetcher:   cfg.Fetcher,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}
}

// Deliver downloads req.ImageURLs and sends them. A nil error means the
// preview went out; originals failures are reported in the Outcome only.
// When nothing could be downloaded the error wraps fetch.ErrNoAssets and no
// send is attempted.
func (p *Pipeline) Deliver(ctx context.Context, req Request) (*Outcome, error) {
	m := &machine{p: p, req: req, state: StateChoosingFormat, out: &Outcome{}}

	assets, err := p.fetcher.FetchAll(ctx, req.ImageURLs)
	if err != nil {
		m.move(StateFailed, "download: "+err.Error())
		p.logger.Error("nothing to deliver", "chat_id", req.ChatID, "urls", len(req.ImageURLs), "err", err)
		return m.out, fmt.Errorf("fetch assets: %w", err)
	}
	for _, a := range assets {
		m.out.Files = append(m.out.Files, a.Path)
	}

	previewErr := m.sendPreview(ctx)
	switch {
	case previewErr == nil:
		m.move(StateOriginalsDelivery, "preview sent")
	case errors.Is(previewErr, domain.ErrCaptionTooLong):
		m.move(StateOriginalsDelivery, "preview exhausted on caption length")
	default:
		m.move(StateFailed, "preview exhausted: "+previewErr.Error())
		return m.out, fmt.Errorf("%w: %w", ErrPreviewFailed, previewErr)
	}

	if err := m.sendOriginals(ctx); err != nil {
		p.logger.Error("failed to send original files", "chat_id", req.ChatID, "err", err)
	} else {
		m.out.OriginalsDelivered = true
	}
	m.move(StateDone, "")

	if previewErr != nil {
		return m.out, fmt.Errorf("%w: %w", ErrPreviewFailed, previewErr)
	}
	return m.out, nil
}

// machine holds the state of one Deliver call.
type machine struct {
	p       *Pipeline
	req     Request
	state   State
	attempt Attempt
	out     *Outcome
}

func (m *machine) move(to State, reason string) {
	t := Transition{From: m.state, To: to, Format: m.attempt.Format, Reason: reason}
	m.out.Transitions = append(m.out.Transitions, t)
	m.state = to
	metrics.DeliveryTransitions(string(to)).Inc()
	m.p.logger.Debug("delivery transition",
		"chat_id", m.req.ChatID, "from", t.From, "to", t.To, "format", formatName(t.Format), "reason", reason)
	if m.p.observer != nil {
		m.p.observer(t)
	}
}

// sendPreview walks the format order until one send succeeds. The returned
// error is the last failure seen.
func (m *machine) sendPreview(ctx context.Context) error {
	var lastErr error
	for i, mode := range formatOrder {
		if i > 0 {
			m.move(StateChoosingFormat, "next format")
		}
		m.attempt = Attempt{Format: mode, ReplyTo: m.req.TriggerID}
		caption := m.req.CaptionMarkdown
		if mode == domain.ParseModeHTML {
			caption = m.req.CaptionHTML
		}

		m.move(StateSending, "")
		id, err := m.sendPhotos(ctx, caption, mode)
		if errors.Is(err, domain.ErrCaptionTooLong) {
			m.p.logger.Warn("caption too long, resending without caption",
				"chat_id", m.req.ChatID, "format", formatName(mode), "caption_len", len([]rune(caption)))
			m.attempt.CaptionStripped = true
			m.move(StateOversizeRetry, err.Error())
			id, err = m.sendPhotos(ctx, "", mode)
		}
		if err == nil {
			m.succeed(ctx, id)
			return nil
		}

		lastErr = err
		m.p.logger.Warn("preview send failed", "chat_id", m.req.ChatID, "format", formatName(mode), "err", err)
		m.move(StateFormatFallback, err.Error())
	}
	return lastErr
}

func (m *machine) sendPhotos(ctx context.Context, caption string, mode domain.ParseMode) (int, error) {
	t := m.p.transport
	opts := domain.SendOptions{ReplyTo: m.attempt.ReplyTo, ParseMode: mode}
	files := m.out.Files
	if len(files) == 1 {
		return t.SendPhoto(ctx, m.req.ChatID, files[0], caption, opts)
	}
	ids, err := t.SendPhotoGroup(ctx, m.req.ChatID, files, caption, opts)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

func (m *machine) succeed(ctx context.Context, previewID int) {
	m.out.PreviewID = previewID
	m.out.PreviewDelivered = true
	m.out.Format = m.attempt.Format
	m.out.CaptionStripped = m.attempt.CaptionStripped
	m.move(StateSuccess, "")

	if m.req.PlaceholderID != 0 {
		if err := m.p.transport.DeleteMessage(ctx, m.req.ChatID, m.req.PlaceholderID); err != nil {
			m.p.logger.Warn("failed to delete placeholder", "chat_id", m.req.ChatID, "message_id", m.req.PlaceholderID, "err", err)
		}
	}
	m.p.logger.Info("preview sent",
		"chat_id", m.req.ChatID, "files", len(m.out.Files), "format", formatName(m.attempt.Format),
		"caption_stripped", m.attempt.CaptionStripped, "preview_id", previewID)
}

// sendOriginals resends the files as documents, replying to the preview when
// there is one. A failure against the preview is retried once on the trigger.
func (m *machine) sendOriginals(ctx context.Context) error {
	target := m.out.PreviewID
	usedPreview := target != 0
	if !usedPreview {
		target = m.req.TriggerID
	}
	m.attempt.ReplyTo = target

	err := m.sendDocuments(ctx, target)
	if err == nil {
		return nil
	}
	if !usedPreview || m.req.TriggerID == 0 || m.req.TriggerID == target {
		return err
	}

	m.p.logger.Info("retrying originals with trigger as reply target",
		"chat_id", m.req.ChatID, "preview_id", target, "trigger_id", m.req.TriggerID, "err", err)
	m.attempt.ReplyTo = m.req.TriggerID
	m.move(StateOriginalsDelivery, "reply target fallback: "+err.Error())
	return m.sendDocuments(ctx, m.req.TriggerID)
}

func (m *machine) sendDocuments(ctx context.Context, replyTo int) error {
	t := m.p.transport
	files := m.out.Files
	opts := domain.SendOptions{ReplyTo: replyTo}
	var err error
	if len(files) == 1 {
		_, err = t.SendDocument(ctx, m.req.ChatID, files[0], labelSingleOriginal, opts)
	} else {
		_, err = t.SendDocumentGroup(ctx, m.req.ChatID, files, fmt.Sprintf(labelBatchOriginals, len(files)), opts)
	}
	if err != nil {
		return err
	}
	m.p.logger.Info("sent original files", "chat_id", m.req.ChatID, "files", len(files), "reply_to", replyTo)
	return nil
}
