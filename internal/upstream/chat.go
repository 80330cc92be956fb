package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatRequest is the provider-facing chat completion payload. Model carries
// the upstream identifier, never a caller-facing key.
type ChatRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens int
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries upstream-reported token counts; zero values mean the provider
// did not report and the caller should fall back to its own estimate.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// DropRecorder observes stream frames that were discarded as malformed. The
// relay deliberately prefers a lossy stream over a failed one; injecting the
// recorder lets tests assert on how lossy.
type DropRecorder func(line string)

type ChatClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	drops      DropRecorder
}

func NewChatClient(baseURL, apiKey string, timeout time.Duration) *ChatClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ChatClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetDropRecorder installs an observer for discarded stream frames.
func (c *ChatClient) SetDropRecorder(rec DropRecorder) {
	c.drops = rec
}

func (c *ChatClient) post(ctx context.Context, req ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(map[string]any{
		"model":      req.Model,
		"messages":   req.Messages,
		"stream":     stream,
		"max_tokens": req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Op: "chat", Err: err}
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &Error{Op: "chat", Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream opens a streaming completion and invokes onDelta for every textual
// delta, in upstream emission order. Frames that fail to parse are dropped,
// not fatal. Returns once the [DONE] sentinel arrives or the stream errors.
func (c *ChatClient) Stream(ctx context.Context, req ChatRequest, onDelta func(delta string) error) (Usage, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return Usage{}, err
	}
	defer resp.Body.Close()

	var usage Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return usage, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			if c.drops != nil {
				c.drops(data)
			}
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onDelta(delta); err != nil {
			return usage, err
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, &Error{Op: "chat stream", Err: err}
	}
	// Upstream closed without the sentinel; treat what arrived as complete.
	return usage, nil
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete issues a single non-streaming completion.
func (c *ChatClient) Complete(ctx context.Context, req ChatRequest) (string, Usage, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, &Error{Op: "chat", Err: err}
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", Usage{}, &Error{Op: "chat", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", Usage{}, &Error{Op: "chat", Err: fmt.Errorf("empty choices in response")}
	}

	var usage Usage
	if parsed.Usage != nil {
		usage.PromptTokens = parsed.Usage.PromptTokens
		usage.CompletionTokens = parsed.Usage.CompletionTokens
	}
	return parsed.Choices[0].Message.Content, usage, nil
}
