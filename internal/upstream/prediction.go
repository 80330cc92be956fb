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

// PredictionBackend talks to a Replicate-style predictions API. Only
// "succeeded" and "failed" are recognized as terminal; any other upstream
// status maps to processing.
type PredictionBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewPredictionBackend(baseURL, apiKey string, timeout time.Duration) *PredictionBackend {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &PredictionBackend{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type predictionResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func (b *PredictionBackend) Submit(ctx context.Context, req GenerationRequest) (Submission, error) {
	input := map[string]any{"prompt": req.Prompt}
	if req.AspectRatio != "" {
		input["aspect_ratio"] = req.AspectRatio
	}
	body, err := json.Marshal(map[string]any{
		"version": req.Model,
		"input":   input,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("marshal prediction payload: %w", err)
	}

	parsed, err := b.do(ctx, http.MethodPost, "/v1/predictions", body)
	if err != nil {
		return Submission{}, err
	}
	if parsed.ID == "" {
		return Submission{}, &Error{Op: "prediction submit", Err: fmt.Errorf("no prediction id in response")}
	}
	st, err := predictionStatus(parsed)
	if err != nil {
		return Submission{}, err
	}
	return Submission{TaskID: parsed.ID, Status: st}, nil
}

func (b *PredictionBackend) Poll(ctx context.Context, taskID string) (Status, error) {
	parsed, err := b.do(ctx, http.MethodGet, "/v1/predictions/"+taskID, nil)
	if err != nil {
		return Status{}, err
	}
	return predictionStatus(parsed)
}

func predictionStatus(resp *predictionResponse) (Status, error) {
	switch resp.Status {
	case "succeeded":
		url, ok := predictionOutputURL(resp.Output)
		if !ok {
			return Status{}, ErrNoURLFound
		}
		return Status{State: models.TaskStateCompleted, Progress: 100, ResultURL: url}, nil
	case "failed":
		msg := resp.Error
		if msg == "" {
			msg = "prediction failed"
		}
		return Status{State: models.TaskStateFailed, Message: msg}, nil
	default:
		return Status{State: models.TaskStateProcessing}, nil
	}
}

// predictionOutputURL accepts output as a single string or the first element
// of a sequence.
func predictionOutputURL(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, single != ""
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0], many[0] != ""
	}
	return "", false
}

func (b *PredictionBackend) do(ctx context.Context, method, path string, body []byte) (*predictionResponse, error) {
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
		return nil, &Error{Op: "prediction", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "prediction", Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{Op: "prediction", Status: resp.StatusCode, Body: truncateBody(raw)}
	}

	var parsed predictionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Op: "prediction", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &parsed, nil
}
