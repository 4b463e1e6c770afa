package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
)

const maxEventSize = 4 << 20

// streamEvent is one "data:" line of the workflow's server-sent events.
type streamEvent struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

type textChunk struct {
	Text string `json:"text"`
}

type workflowFinished struct {
	Status  string          `json:"status"`
	Error   string          `json:"error"`
	Outputs json.RawMessage `json:"outputs"`
}

// errStreamIncomplete is returned when the stream ends without a finish event.
var errStreamIncomplete = errors.New("workflow stream ended before completion")

// readStream forwards text chunks and the final result to out.
func readStream(ctx context.Context, r io.Reader, out chan<- domain.GenerationEvent) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}

		switch ev.Event {
		case "text_chunk":
			var chunk textChunk
			if err := json.Unmarshal(ev.Data, &chunk); err != nil {
				return fmt.Errorf("decode text chunk: %w", err)
			}
			if chunk.Text == "" {
				continue
			}
			if err := emit(ctx, out, domain.GenerationEvent{Type: domain.GenerationChunk, Text: chunk.Text}); err != nil {
				return err
			}

		case "workflow_finished":
			var fin workflowFinished
			if err := json.Unmarshal(ev.Data, &fin); err != nil {
				return fmt.Errorf("decode workflow result: %w", err)
			}
			if fin.Status != "" && fin.Status != "succeeded" {
				return fmt.Errorf("workflow %s: %s", fin.Status, fin.Error)
			}
			result := &domain.GenerationResult{}
			if len(fin.Outputs) > 0 && string(fin.Outputs) != "null" {
				if err := json.Unmarshal(fin.Outputs, result); err != nil {
					return fmt.Errorf("decode workflow outputs: %w", err)
				}
			}
			return emit(ctx, out, domain.GenerationEvent{Type: domain.GenerationDone, Text: result.Answer, Result: result})

		case "error":
			return fmt.Errorf("workflow error %s: %s", ev.Code, ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errStreamIncomplete
}

func emit(ctx context.Context, out chan<- domain.GenerationEvent, ev domain.GenerationEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
