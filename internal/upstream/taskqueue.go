package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/models"
)

// resultURLPaths is the fixed priority order in which task-queue status
// payloads are probed for a result location. Different deployments of the same
// queue API disagree on where the URL lives.
var resultURLPaths = []string{
	"imageUrl",
	"image_url",
	"url",
	"uri",
	"data.imageUrl",
	"data.url",
	"data.image_url",
	"video_url",
	"data.video_url",
	"properties.imageUrl",
}

// TaskQueueBackend talks to a Midjourney-style submit+poll API: job submission
// returns an opaque task id and status is fetched until terminal.
type TaskQueueBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewTaskQueueBackend(baseURL, apiKey string, timeout time.Duration) *TaskQueueBackend {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &TaskQueueBackend{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (b *TaskQueueBackend) Submit(ctx context.Context, req GenerationRequest) (Submission, error) {
	body, err := json.Marshal(map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("marshal submit payload: %w", err)
	}

	raw, err := b.do(ctx, http.MethodPost, "/mj/submit/imagine", body)
	if err != nil {
		return Submission{}, err
	}

	var parsed struct {
		Code        int    `json:"code"`
		Description string `json:"description"`
		Result      string `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Submission{}, &Error{Op: "task submit", Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Result == "" {
		return Submission{}, &Error{Op: "task submit", Err: fmt.Errorf("no task id in response: code=%d %s", parsed.Code, parsed.Description)}
	}

	return Submission{
		TaskID: parsed.Result,
		Status: Status{State: taskQueueState("SUBMITTED")},
	}, nil
}

func (b *TaskQueueBackend) Poll(ctx context.Context, taskID string) (Status, error) {
	raw, err := b.do(ctx, http.MethodGet, "/mj/task/"+taskID+"/fetch", nil)
	if err != nil {
		return Status{}, err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Status{}, &Error{Op: "task poll", Err: fmt.Errorf("decode status: %w", err)}
	}

	rawStatus, _ := doc["status"].(string)
	st := Status{
		State:    taskQueueState(rawStatus),
		Progress: parseProgress(doc["progress"]),
	}

	switch st.State {
	case models.TaskStateCompleted:
		url, ok := probePaths(doc, resultURLPaths)
		if !ok {
			return Status{}, ErrNoURLFound
		}
		st.ResultURL = url
		st.Progress = 100
	case models.TaskStateFailed:
		if reason, ok := doc["failReason"].(string); ok {
			st.Message = reason
		}
	}
	return st, nil
}

func taskQueueState(raw string) models.TaskState {
	switch strings.ToUpper(raw) {
	case "SUCCESS":
		return models.TaskStateCompleted
	case "FAILURE":
		return models.TaskStateFailed
	case "NOT_START", "SUBMITTED", "QUEUED":
		return models.TaskStatePending
	default:
		return models.TaskStateProcessing
	}
}

// parseProgress accepts "45%", "45" or a bare number.
func parseProgress(v any) int {
	switch p := v.(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(p), "%"))
		if err != nil {
			return 0
		}
		return clampProgress(n)
	case float64:
		return clampProgress(int(p))
	default:
		return 0
	}
}

func clampProgress(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func (b *TaskQueueBackend) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: "task queue", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "task queue", Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{Op: "task queue", Status: resp.StatusCode, Body: truncateBody(raw)}
	}
	return raw, nil
}
