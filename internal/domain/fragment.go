package domain

import "time"

// MediaKind groups attachments by how the workflow consumes them.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photos"
	MediaDocument  MediaKind = "documents"
	MediaVideo     MediaKind = "videos"
	MediaAudio     MediaKind = "audios"
	MediaAnimation MediaKind = "animations"
)

// MediaRef points at a platform-hosted file attached to a message.
type MediaRef struct {
	Kind         MediaKind `json:"kind"`
	FileID       string    `json:"file_id"`
	FileUniqueID string    `json:"file_unique_id,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Size         int64     `json:"size,omitempty"`
}

// Fragment is one physically received chat message. Several fragments that
// share a MediaGroupID make up a single user submission.
type Fragment struct {
	ChatID       int64      `json:"chat_id"`
	ChatType     string     `json:"chat_type,omitempty"` // private | group | supergroup | channel
	MessageID    int        `json:"message_id"`
	MediaGroupID string     `json:"media_group_id,omitempty"`
	SenderID     int64      `json:"sender_id,omitempty"`
	Text         string     `json:"text,omitempty"`
	Caption      string     `json:"caption,omitempty"`
	Media        []MediaRef `json:"media,omitempty"`
	ReplyTo      *Fragment  `json:"reply_to,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
}

// InGroup reports whether the fragment is part of a platform media group.
func (f Fragment) InGroup() bool { return f.MediaGroupID != "" }

func (f Fragment) HasMedia() bool { return len(f.Media) > 0 }

// Body returns the message text, or the caption for media messages.
func (f Fragment) Body() string {
	if f.Text != "" {
		return f.Text
	}
	return f.Caption
}

// IsPrivate reports whether the fragment came from a one-to-one chat.
func (f Fragment) IsPrivate() bool {
	return f.ChatType == "" || f.ChatType == "private"
}
