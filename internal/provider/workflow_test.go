package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sse(events ...string) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString("data: ")
		sb.WriteString(e)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func collect(t *testing.T, w *Workflow, req domain.GenerateRequest) ([]domain.GenerationEvent, error) {
	t.Helper()
	out := make(chan domain.GenerationEvent, 32)
	errc := make(chan error, 1)
	go func() { errc <- w.GenerateStream(context.Background(), req, out) }()
	var events []domain.GenerationEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events, <-errc
}

func newTestWorkflow(srv *httptest.Server) *Workflow {
	w := NewWorkflow(WorkflowConfig{APIBase: srv.URL + "/", APIKey: "app-key", Client: srv.Client(), Logger: testLogger()})
	w.retry = retryPolicy{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
	return w
}

func TestGenerateStream_UploadsThenStreams(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "ref.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpegdata"), 0o644))

	var runBody runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer app-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/files/upload":
			if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
				return
			}
			assert.Equal(t, "314", r.FormValue("user"))
			f, hdr, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				return
			}
			data, _ := io.ReadAll(f)
			assert.Equal(t, "ref.jpg", hdr.Filename)
			assert.Equal(t, "jpegdata", string(data))
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"file-1","name":"ref.jpg"}`)
		case "/workflows/run":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&runBody))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sse(
				`{"event":"workflow_started","data":{}}`,
				`{"event":"text_chunk","data":{"text":"Draw"}}`,
				`{"event":"ping"}`,
				`{"event":"text_chunk","data":{"text":"ing..."}}`,
				`{"event":"workflow_finished","data":{"status":"succeeded","outputs":{"answer":"<b>done</b>","all_image_urls":["https://x/1.png","https://x/2.png"],"params":{"caption_markdown":"*done*"}}}}`,
			))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	events, err := collect(t, newTestWorkflow(srv), domain.GenerateRequest{
		Prompt:        "a red fox",
		Media:         map[domain.MediaKind][]string{domain.MediaPhoto: {photo}},
		SenderID:      "314",
		BotUsername:   "artbot",
		ForcedCommand: domain.ForcedImagine,
	})
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, "Draw", events[0].Text)
	assert.Equal(t, "ing...", events[1].Text)
	assert.Equal(t, domain.GenerationDone, events[2].Type)
	res := events[2].Result
	require.NotNil(t, res)
	assert.Equal(t, "<b>done</b>", res.Answer)
	assert.Equal(t, []string{"https://x/1.png", "https://x/2.png"}, res.ImageURLs)
	assert.Equal(t, "*done*", res.StringParam("caption_markdown"))

	assert.Equal(t, "streaming", runBody.ResponseMode)
	assert.Equal(t, "314", runBody.User)
	assert.Equal(t, "a red fox", runBody.Inputs["message_context"])
	assert.Equal(t, "imagine", runBody.Inputs["forced_command"])
	files, _ := runBody.Inputs["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, map[string]any{"type": "image", "transfer_method": "local_file", "upload_file_id": "file-1"}, files[0])
}

func TestGenerateStream_UploadRetriesTransientErrors(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "brief.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("pdf"), 0o644))

	var uploads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/upload":
			if uploads.Add(1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, `{"id":"file-9"}`)
		case "/workflows/run":
			fmt.Fprint(w, sse(`{"event":"workflow_finished","data":{"status":"succeeded","outputs":{"answer":"ok"}}}`))
		}
	}))
	defer srv.Close()

	events, err := collect(t, newTestWorkflow(srv), domain.GenerateRequest{
		Prompt: "x",
		Media:  map[domain.MediaKind][]string{domain.MediaDocument: {doc}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, uploads.Load())
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Result.Answer)
}

func TestGenerateStream_RunIsNotRetried(t *testing.T) {
	var runs atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runs.Add(1)
		http.Error(w, `{"code":"internal"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := collect(t, newTestWorkflow(srv), domain.GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.EqualValues(t, 1, runs.Load())
}

func TestGenerateStream_FailedWorkflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sse(
			`{"event":"text_chunk","data":{"text":"hm"}}`,
			`{"event":"workflow_finished","data":{"status":"failed","error":"node crashed"}}`,
		))
	}))
	defer srv.Close()

	events, err := collect(t, newTestWorkflow(srv), domain.GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node crashed")
	require.Len(t, events, 1, "chunks before the failure are still delivered")
}

func TestGenerateStream_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sse(`{"event":"error","code":"quota","message":"limit reached"}`))
	}))
	defer srv.Close()

	_, err := collect(t, newTestWorkflow(srv), domain.GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit reached")
}

func TestGenerateStream_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sse(`{"event":"text_chunk","data":{"text":"par"}}`))
	}))
	defer srv.Close()

	_, err := collect(t, newTestWorkflow(srv), domain.GenerateRequest{Prompt: "x"})
	assert.ErrorIs(t, err, errStreamIncomplete)
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer app-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"name":"imagine"}`)
	}))
	defer srv.Close()

	assert.NoError(t, newTestWorkflow(srv).Healthy(context.Background()))

	bad := NewWorkflow(WorkflowConfig{APIBase: srv.URL, APIKey: "nope", Client: srv.Client(), Logger: testLogger()})
	assert.ErrorContains(t, bad.Healthy(context.Background()), "invalid API key")
}

func TestRetryPolicy_HonoursRetryAfter(t *testing.T) {
	p := retryPolicy{maxRetries: 1, baseDelay: time.Second, maxDelay: 10 * time.Second}
	assert.Equal(t, 3*time.Second, p.backoff(1, 3*time.Second))
	assert.Equal(t, 10*time.Second, p.backoff(1, time.Minute))
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Zero(t, parseRetryAfter("soon"))
}

func TestRetryPolicy_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := retryPolicy{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: time.Millisecond}
	_, err := p.do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, testLogger())
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())

	var re *retryableError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusTooManyRequests, re.statusCode)
}
