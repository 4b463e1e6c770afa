package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTelegram(allow ...string) *Telegram {
	return newTelegram(nil, TelegramConfig{
		Token:         "123:SECRET",
		AllowFrom:     allow,
		RatePerSecond: 1000,
		Burst:         100,
		Logger:        testLogger(),
	})
}

func TestFragmentFromMessage(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID:    12,
		Date:         1700000000,
		Chat:         &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		From:         &tgbotapi.User{ID: 42},
		MediaGroupID: "album-1",
		Caption:      "/imagine@artbot cat",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90, Height: 90, FileSize: 1000},
			{FileID: "large", FileUniqueID: "u-large", Width: 1280, Height: 1280, FileSize: 90000},
			{FileID: "medium", Width: 320, Height: 320, FileSize: 9000},
		},
		ReplyToMessage: &tgbotapi.Message{
			MessageID: 3,
			Document:  &tgbotapi.Document{FileID: "doc", FileName: "brief.pdf", MimeType: "application/pdf", FileSize: 2048},
		},
	}

	f := FragmentFromMessage(msg)
	if f.ChatID != -100 || f.ChatType != "supergroup" || f.MessageID != 12 || f.SenderID != 42 {
		t.Fatalf("unexpected identity fields: %+v", f)
	}
	if f.MediaGroupID != "album-1" || f.Body() != "/imagine@artbot cat" {
		t.Fatalf("unexpected group/body: %+v", f)
	}
	if len(f.Media) != 1 || f.Media[0].FileID != "large" || f.Media[0].Kind != domain.MediaPhoto {
		t.Fatalf("expected the largest photo, got %+v", f.Media)
	}
	if f.ReplyTo == nil {
		t.Fatal("reply fragment missing")
	}
	if f.ReplyTo.ChatID != -100 || f.ReplyTo.MessageID != 3 {
		t.Fatalf("reply fragment should inherit chat: %+v", f.ReplyTo)
	}
	if len(f.ReplyTo.Media) != 1 || f.ReplyTo.Media[0].Kind != domain.MediaDocument || f.ReplyTo.Media[0].FileName != "brief.pdf" {
		t.Fatalf("unexpected reply media: %+v", f.ReplyTo.Media)
	}
}

func TestPickPhoto_Empty(t *testing.T) {
	if pickPhoto(nil) != nil {
		t.Fatal("expected nil for no sizes")
	}
}

func TestMediaFileName(t *testing.T) {
	cases := []struct {
		ref  domain.MediaRef
		url  string
		want string
	}{
		{domain.MediaRef{Kind: domain.MediaDocument, FileName: "../etc/brief.pdf"}, "https://api/file/botX/documents/file_1.pdf", "brief.pdf"},
		{domain.MediaRef{Kind: domain.MediaPhoto, FileUniqueID: "uniq"}, "https://api/file/botX/photos/file_2.JPG", "uniq.jpg"},
		{domain.MediaRef{Kind: domain.MediaPhoto, FileID: "fid"}, "https://api/file/botX/photos/file_3", "fid.jpg"},
		{domain.MediaRef{Kind: domain.MediaVideo, FileUniqueID: "v"}, "https://api/file/botX/videos/file_4.mp4", "v.mp4"},
	}
	for _, tc := range cases {
		if got := mediaFileName(tc.ref, tc.url); got != tc.want {
			t.Errorf("mediaFileName(%+v) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}

func TestClassify_CaptionTooLong(t *testing.T) {
	for _, err := range []error{
		&tgbotapi.Error{Code: 400, Message: "Bad Request: message caption is too long"},
		tgbotapi.Error{Code: 400, Message: "Bad Request: message caption is too long"},
		errors.New("Bad Request: message caption is too long"),
	} {
		if got := classify(err); !errors.Is(got, domain.ErrCaptionTooLong) {
			t.Errorf("classify(%v) = %v, want ErrCaptionTooLong", err, got)
		}
	}
	other := &tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"}
	if got := classify(other); errors.Is(got, domain.ErrCaptionTooLong) {
		t.Errorf("parse error must not be classified as caption too long")
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"nil", nil, 0},
		{"other", errors.New("boom"), 0},
		{"pointer with retry_after", &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3}}, 3 * time.Second},
		{"value with retry_after", tgbotapi.Error{Code: 429, ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 2}}, 2 * time.Second},
		{"429 without hint", &tgbotapi.Error{Code: 429}, time.Second},
		{"bad request", &tgbotapi.Error{Code: 400, Message: "Bad Request"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryAfter(tt.err); got != tt.want {
				t.Fatalf("retryAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCall_RetriesOnceOnRateLimit(t *testing.T) {
	tg := newTestTelegram()
	calls := 0
	err := tg.call(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 1}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCall_RedactsTokenAndClassifies(t *testing.T) {
	tg := newTestTelegram()
	err := tg.call(context.Background(), func() error {
		return fmt.Errorf("Post https://api.telegram.org/bot123:SECRET/sendPhoto: connection reset")
	})
	if err == nil || errors.Is(err, domain.ErrCaptionTooLong) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := err.Error(); got != "Post https://api.telegram.org/bot<redacted>/sendPhoto: connection reset" {
		t.Fatalf("token not redacted: %q", got)
	}

	err = tg.call(context.Background(), func() error {
		return &tgbotapi.Error{Code: 400, Message: "Bad Request: message caption is too long"}
	})
	if !errors.Is(err, domain.ErrCaptionTooLong) {
		t.Fatalf("expected ErrCaptionTooLong, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 10); got != "héllo" {
		t.Fatalf("short text changed: %q", got)
	}
	if got := truncate("héllo wörld", 5); got != "héll…" {
		t.Fatalf("unexpected truncation: %q", got)
	}
}

func TestIsAllowed(t *testing.T) {
	open := newTestTelegram()
	if !open.isAllowed(1) {
		t.Fatal("empty allow list must allow everyone")
	}
	restricted := newTestTelegram("7", " 8 ", "bogus")
	if !restricted.isAllowed(8) || restricted.isAllowed(9) {
		t.Fatal("allow list not applied")
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	observed []int
	handled  []int
	done     chan struct{}
}

func (h *recordingHandler) Observe(_ context.Context, f domain.Fragment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observed = append(h.observed, f.MessageID)
}

func (h *recordingHandler) Handle(_ context.Context, f domain.Fragment) error {
	h.mu.Lock()
	h.handled = append(h.handled, f.MessageID)
	h.mu.Unlock()
	h.done <- struct{}{}
	return nil
}

func TestDispatch_ObservesInlineAndHandlesAsync(t *testing.T) {
	tg := newTestTelegram("42")
	h := &recordingHandler{done: make(chan struct{}, 4)}
	ctx := context.Background()

	for i, from := range []int64{42, 42, 99} {
		tg.dispatch(ctx, h, tgbotapi.Update{Message: &tgbotapi.Message{
			MessageID: i + 1,
			Chat:      &tgbotapi.Chat{ID: 5, Type: "private"},
			From:      &tgbotapi.User{ID: from},
			Text:      "/imagine x",
		}})
	}
	tg.dispatch(ctx, h, tgbotapi.Update{})
	tg.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if fmt.Sprint(h.observed) != "[1 2]" {
		t.Fatalf("observe must run in receipt order for allowed users, got %v", h.observed)
	}
	if len(h.handled) != 2 {
		t.Fatalf("expected 2 handled updates, got %v", h.handled)
	}
}
