package domain

import "context"

// ForcedCommand pins the workflow to one branch instead of letting it route
// the prompt itself.
type ForcedCommand string

const ForcedImagine ForcedCommand = "imagine"

// GenerateRequest is the input handed to the generation workflow.
type GenerateRequest struct {
	Prompt        string
	Media         map[MediaKind][]string // local file paths, ordered per kind
	SenderID      string
	BotUsername   string
	ForcedCommand ForcedCommand
}

// GenerationEventType classifies a streaming event.
type GenerationEventType string

const (
	GenerationChunk GenerationEventType = "chunk"
	GenerationDone  GenerationEventType = "done"
)

// GenerationEvent is one item of the workflow's incremental output.
// Exactly one GenerationDone event carrying Result ends a successful stream.
type GenerationEvent struct {
	Type   GenerationEventType
	Text   string
	Result *GenerationResult
}

// GenerationResult is the final workflow answer.
type GenerationResult struct {
	Answer    string         `json:"answer"`
	ImageURLs []string       `json:"all_image_urls"`
	Params    map[string]any `json:"params,omitempty"`
}

// StringParam returns params[key] when it is a string.
func (r *GenerationResult) StringParam(key string) string {
	if r == nil || r.Params == nil {
		return ""
	}
	s, _ := r.Params[key].(string)
	return s
}

// Generator runs the generative workflow. GenerateStream sends events to out
// and closes it before returning; the returned error reports stream failure.
type Generator interface {
	GenerateStream(ctx context.Context, req GenerateRequest, out chan<- GenerationEvent) error
	Healthy(ctx context.Context) error
}
