// Package relay forwards upstream chat streams to the caller while
// accounting usage incrementally. Caller-facing framing is text/event-stream
// with JSON events tagged "content" or "metadata", terminated by a literal
// "data: [DONE]" line.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// EstimateTokens approximates a token count as ceil(characters / 4). This is
// deliberately not an exact tokenizer; pricing derived from it is
// illustrative.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// UsageStore appends one accounting row per completed request.
type UsageStore interface {
	Insert(ctx context.Context, rec *models.UsageRecord) error
}

// ChatStreamer is the upstream chat surface the relay depends on.
type ChatStreamer interface {
	Stream(ctx context.Context, req upstream.ChatRequest, onDelta func(delta string) error) (upstream.Usage, error)
	Complete(ctx context.Context, req upstream.ChatRequest) (string, upstream.Usage, error)
}

// Metadata names the model that actually served the request and what it cost.
type Metadata struct {
	Model            string  `json:"model"`
	Fallback         bool    `json:"fallback"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

type Relay struct {
	client ChatStreamer
	usage  UsageStore
	log    *slog.Logger
}

func New(client ChatStreamer, usage UsageStore, log *slog.Logger) *Relay {
	return &Relay{client: client, usage: usage, log: log}
}

type contentEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type metadataEvent struct {
	Type string `json:"type"`
	Metadata
}

// Stream relays a chat completion as server-sent events. On upstream failure
// before any content was forwarded it retries once on the fallback model; the
// metadata event always names the model whose rates were charged, and the
// same metadata is returned so the caller can react to a fallback. The error
// return is non-nil only when nothing was written to w, so the caller may
// still produce a JSON error response.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, user *models.User, primary registry.ModelSpec, fallback *registry.ModelSpec, messages []upstream.ChatMessage) (Metadata, error) {
	flusher, _ := w.(http.Flusher)

	promptTokens := 0
	for _, m := range messages {
		promptTokens += EstimateTokens(m.Content)
	}

	started := false
	completionTokens := 0
	emit := func(delta string) error {
		if !started {
			writeStreamHeaders(w)
			started = true
		}
		completionTokens += EstimateTokens(delta)
		return writeEvent(w, flusher, contentEvent{Type: "content", Content: delta})
	}

	used := primary
	fellBack := false
	_, err := r.client.Stream(ctx, chatRequest(primary, messages), emit)
	if err != nil {
		if started || fallback == nil || !upstream.IsUpstreamError(err) {
			if started {
				// The stream is already underway; the contract is not
				// restartable, so the best we can do is stop forwarding.
				r.log.Error("stream aborted mid-flight", "model", used.Key, "err", err)
				return Metadata{}, nil
			}
			return Metadata{}, err
		}
		if _, fbErr := r.client.Stream(ctx, chatRequest(*fallback, messages), emit); fbErr != nil {
			if started {
				r.log.Error("fallback stream aborted mid-flight", "model", fallback.Key, "err", fbErr)
				return Metadata{}, nil
			}
			// Fallback failed too: the original error propagates unmodified.
			return Metadata{}, err
		}
		used = *fallback
		fellBack = true
	}
	if !started {
		writeStreamHeaders(w)
		started = true
	}

	meta := r.finalize(ctx, user, used, fellBack, promptTokens, completionTokens)
	if err := writeEvent(w, flusher, metadataEvent{Type: "metadata", Metadata: meta}); err != nil {
		return meta, nil
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	return meta, nil
}

// Complete is the degenerate non-streaming case of the same contract. Usage
// comes from the upstream's own reported counts when present, otherwise from
// the character estimate.
func (r *Relay) Complete(ctx context.Context, user *models.User, primary registry.ModelSpec, fallback *registry.ModelSpec, messages []upstream.ChatMessage) (string, Metadata, error) {
	promptEstimate := 0
	for _, m := range messages {
		promptEstimate += EstimateTokens(m.Content)
	}

	used := primary
	fellBack := false
	content, usage, err := r.client.Complete(ctx, chatRequest(primary, messages))
	if err != nil {
		if fallback == nil || !upstream.IsUpstreamError(err) {
			return "", Metadata{}, err
		}
		content, usage, err = r.client.Complete(ctx, chatRequest(*fallback, messages))
		if err != nil {
			return "", Metadata{}, err
		}
		used = *fallback
		fellBack = true
	}

	promptTokens := usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = promptEstimate
	}
	completionTokens := usage.CompletionTokens
	if completionTokens == 0 {
		completionTokens = EstimateTokens(content)
	}

	meta := r.finalize(ctx, user, used, fellBack, promptTokens, completionTokens)
	return content, meta, nil
}

// finalize computes cost at the actually-used model's rates and appends the
// usage record. A failed insert never fails the user-visible response; the
// generation itself already succeeded.
func (r *Relay) finalize(ctx context.Context, user *models.User, used registry.ModelSpec, fellBack bool, promptTokens, completionTokens int) Metadata {
	cost := float64(promptTokens)/1000*used.PromptRatePer1K +
		float64(completionTokens)/1000*used.CompletionRatePer1K

	now := time.Now().UTC()
	rec := &models.UsageRecord{
		UserID:     user.ID,
		ModelName:  used.Key,
		Tier:       used.Tier,
		TokensUsed: promptTokens + completionTokens,
		CostUSD:    cost,
		Date:       now.Format("2006-01-02"),
		Month:      now.Format("2006-01"),
	}
	if err := r.usage.Insert(ctx, rec); err != nil {
		r.log.Error("failed to record usage", "user", user.ID, "model", used.Key, "err", err)
	}

	return Metadata{
		Model:            used.Key,
		Fallback:         fellBack,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
	}
}

func chatRequest(spec registry.ModelSpec, messages []upstream.ChatMessage) upstream.ChatRequest {
	return upstream.ChatRequest{
		Model:     spec.UpstreamID,
		Messages:  messages,
		MaxTokens: spec.MaxOutputTokens,
	}
}

func writeStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
