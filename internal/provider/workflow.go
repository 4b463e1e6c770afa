// Package provider talks to the Dify-style workflow that turns a prompt and
// reference media into generated images.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
)

// WorkflowConfig configures a Workflow client.
type WorkflowConfig struct {
	APIBase string // e.g. "https://api.dify.ai/v1"
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Workflow implements domain.Generator against the workflow HTTP API.
type Workflow struct {
	apiBase string
	apiKey  string
	client  *http.Client
	retry   retryPolicy
	logger  *slog.Logger
}

func NewWorkflow(cfg WorkflowConfig) *Workflow {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.dify.ai/v1"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Workflow{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		apiKey:  cfg.APIKey,
		client:  cfg.Client,
		retry:   defaultRetry,
		logger:  cfg.Logger,
	}
}

// Healthy checks that the workflow API answers and accepts the key.
func (w *Workflow) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.apiBase+"/info", nil)
	if err != nil {
		return err
	}
	w.authorize(req)
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("workflow not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("workflow: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("workflow returned %d", resp.StatusCode)
	}
	return nil
}

type uploadedFile struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

type runRequest struct {
	Inputs       map[string]any `json:"inputs"`
	ResponseMode string         `json:"response_mode"`
	User         string         `json:"user"`
}

// fileTypes maps media kinds to workflow file types.
var fileTypes = map[domain.MediaKind]string{
	domain.MediaPhoto:     "image",
	domain.MediaDocument:  "document",
	domain.MediaVideo:     "video",
	domain.MediaAudio:     "audio",
	domain.MediaAnimation: "video",
}

// GenerateStream uploads req.Media, starts a streaming run and forwards its
// events to out. out is closed on return. The run itself is never retried.
func (w *Workflow) GenerateStream(ctx context.Context, req domain.GenerateRequest, out chan<- domain.GenerationEvent) error {
	defer close(out)

	user := req.SenderID
	if user == "" {
		user = "anonymous"
	}

	files, err := w.uploadAll(ctx, req.Media, user)
	if err != nil {
		return err
	}

	body, err := json.Marshal(runRequest{
		Inputs: map[string]any{
			"message_context": req.Prompt,
			"bot_username":    req.BotUsername,
			"forced_command":  string(req.ForcedCommand),
			"files":           files,
		},
		ResponseMode: "streaming",
		User:         user,
	})
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiBase+"/workflows/run", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	w.authorize(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("workflow run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("workflow returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	w.logger.Debug("workflow stream opened", "files", len(files), "user", user)
	return readStream(ctx, resp.Body, out)
}

// uploadAll uploads media in a stable kind order, keeping per-kind order.
func (w *Workflow) uploadAll(ctx context.Context, media map[domain.MediaKind][]string, user string) ([]uploadedFile, error) {
	kinds := make([]string, 0, len(media))
	for kind := range media {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	var files []uploadedFile
	for _, k := range kinds {
		kind := domain.MediaKind(k)
		for _, path := range media[kind] {
			id, err := w.upload(ctx, path, user)
			if err != nil {
				return nil, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
			}
			ft := fileTypes[kind]
			if ft == "" {
				ft = "custom"
			}
			files = append(files, uploadedFile{Type: ft, TransferMethod: "local_file", UploadFileID: id})
		}
	}
	return files, nil
}

func (w *Workflow) upload(ctx context.Context, path, user string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.WriteField("user", user); err != nil {
		return "", fmt.Errorf("write form field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}
	payload := body.Bytes()

	resp, err := w.retry.do(ctx, w.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiBase+"/files/upload", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		w.authorize(req)
		return req, nil
	}, w.logger)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if uploaded.ID == "" {
		return "", fmt.Errorf("upload response has no file id")
	}
	w.logger.Debug("file uploaded", "name", filepath.Base(path), "size", len(data), "id", uploaded.ID)
	return uploaded.ID, nil
}

func (w *Workflow) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
}
