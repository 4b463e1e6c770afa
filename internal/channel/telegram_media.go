package channel

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// FragmentFromMessage converts a Telegram message, and the message it replies
// to, into fragments.
func FragmentFromMessage(msg *tgbotapi.Message) domain.Fragment {
	f := fragmentOf(msg)
	if msg.ReplyToMessage != nil {
		reply := fragmentOf(msg.ReplyToMessage)
		if reply.ChatID == 0 {
			reply.ChatID = f.ChatID
			reply.ChatType = f.ChatType
		}
		f.ReplyTo = &reply
	}
	return f
}

func fragmentOf(msg *tgbotapi.Message) domain.Fragment {
	f := domain.Fragment{
		MessageID:    msg.MessageID,
		MediaGroupID: msg.MediaGroupID,
		Text:         msg.Text,
		Caption:      msg.Caption,
		ReceivedAt:   time.Unix(int64(msg.Date), 0),
	}
	if msg.Chat != nil {
		f.ChatID = msg.Chat.ID
		f.ChatType = msg.Chat.Type
	}
	if msg.From != nil {
		f.SenderID = msg.From.ID
	}

	if p := pickPhoto(msg.Photo); p != nil {
		f.Media = append(f.Media, domain.MediaRef{
			Kind: domain.MediaPhoto, FileID: p.FileID, FileUniqueID: p.FileUniqueID, Size: int64(p.FileSize),
		})
	}
	if d := msg.Document; d != nil {
		f.Media = append(f.Media, domain.MediaRef{
			Kind: domain.MediaDocument, FileID: d.FileID, FileUniqueID: d.FileUniqueID,
			FileName: d.FileName, MimeType: d.MimeType, Size: int64(d.FileSize),
		})
	}
	if v := msg.Video; v != nil {
		f.Media = append(f.Media, domain.MediaRef{
			Kind: domain.MediaVideo, FileID: v.FileID, FileUniqueID: v.FileUniqueID,
			FileName: v.FileName, MimeType: v.MimeType, Size: int64(v.FileSize),
		})
	}
	if a := msg.Audio; a != nil {
		f.Media = append(f.Media, domain.MediaRef{
			Kind: domain.MediaAudio, FileID: a.FileID, FileUniqueID: a.FileUniqueID,
			FileName: a.FileName, MimeType: a.MimeType, Size: int64(a.FileSize),
		})
	}
	if a := msg.Animation; a != nil {
		f.Media = append(f.Media, domain.MediaRef{
			Kind: domain.MediaAnimation, FileID: a.FileID, FileUniqueID: a.FileUniqueID,
			FileName: a.FileName, MimeType: a.MimeType, Size: int64(a.FileSize),
		})
	}
	return f
}

// pickPhoto returns the largest size of a photo.
func pickPhoto(sizes []tgbotapi.PhotoSize) *tgbotapi.PhotoSize {
	var best *tgbotapi.PhotoSize
	for i := range sizes {
		p := &sizes[i]
		if best == nil || p.Width*p.Height > best.Width*best.Height ||
			(p.Width*p.Height == best.Width*best.Height && p.FileSize > best.FileSize) {
			best = p
		}
	}
	return best
}

// ResolveMedia downloads a Telegram file into the incoming directory.
func (t *Telegram) ResolveMedia(ctx context.Context, chatID int64, ref domain.MediaRef) (string, error) {
	if t.incoming == nil {
		return "", fmt.Errorf("no incoming media directory configured")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	fileURL, err := t.bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return "", fmt.Errorf("resolve telegram file: %w", redact(err, t.token))
	}
	p, err := t.incoming.Save(ctx, fileURL, mediaFileName(ref, fileURL))
	if err != nil {
		return "", redact(err, t.token)
	}
	t.logger.Debug("telegram media downloaded", "chat_id", chatID, "kind", ref.Kind, "file_id", ref.FileID, "path", p)
	return p, nil
}

// mediaFileName prefers the sender's file name, then the unique id with the
// extension Telegram stored the file under.
func mediaFileName(ref domain.MediaRef, fileURL string) string {
	if ref.FileName != "" {
		return filepath.Base(ref.FileName)
	}
	ext := ""
	if u, err := url.Parse(fileURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == "" && ref.Kind == domain.MediaPhoto {
		ext = ".jpg"
	}
	id := ref.FileUniqueID
	if id == "" {
		id = ref.FileID
	}
	return id + ext
}
