package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/models"
)

// DirectBackend talks to a direct image-generation endpoint: one call, a
// structured JSON array of results, each a URL or base64 payload. No polling.
type DirectBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewDirectBackend(baseURL, apiKey string, timeout time.Duration) *DirectBackend {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &DirectBackend{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (b *DirectBackend) Submit(ctx context.Context, req GenerationRequest) (Submission, error) {
	payload := map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
		"n":      1,
	}
	if req.Resolution != "" {
		payload["size"] = req.Resolution
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Submission{}, fmt.Errorf("marshal generation payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return Submission{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return Submission{}, &Error{Op: "direct generation", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Submission{}, &Error{Op: "direct generation", Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return Submission{}, &Error{Op: "direct generation", Status: resp.StatusCode, Body: truncateBody(raw)}
	}

	var parsed struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Submission{}, &Error{Op: "direct generation", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Data) == 0 {
		return Submission{}, ErrNoURLFound
	}

	first := parsed.Data[0]
	var url string
	switch {
	case first.URL != "":
		url = first.URL
	case first.B64JSON != "":
		url = "data:image/png;base64," + first.B64JSON
	default:
		return Submission{}, ErrNoURLFound
	}

	return Submission{
		Status: Status{State: models.TaskStateCompleted, Progress: 100, ResultURL: url},
	}, nil
}

// Poll is never reached for this shape; Submit always returns a terminal
// status with no task id.
func (b *DirectBackend) Poll(ctx context.Context, taskID string) (Status, error) {
	return Status{}, fmt.Errorf("direct generation has no server-side tasks")
}
