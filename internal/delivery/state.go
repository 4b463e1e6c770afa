package delivery

import "github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"

// State is a stage of one delivery.
type State string

const (
	StateChoosingFormat    State = "choosing_format"
	StateSending           State = "sending"
	StateOversizeRetry     State = "oversize_retry"
	StateFormatFallback    State = "format_fallback"
	StateSuccess           State = "success"
	StateOriginalsDelivery State = "originals_delivery"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	Format domain.ParseMode
	Reason string
}

// Observer receives every transition as it happens.
type Observer func(Transition)

// Attempt is the transient bookkeeping of a delivery in progress.
type Attempt struct {
	Format          domain.ParseMode
	CaptionStripped bool
	ReplyTo         int
}

// formatOrder is the fixed preview fallback order.
var formatOrder = []domain.ParseMode{
	domain.ParseModeHTML,
	domain.ParseModeMarkdownV2,
	domain.ParseModeNone,
}

func formatName(mode domain.ParseMode) string {
	if mode == domain.ParseModeNone {
		return "plain"
	}
	return string(mode)
}
