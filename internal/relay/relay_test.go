package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

var (
	proSpec = registry.ModelSpec{
		Key:                 "relay-pro",
		UpstreamID:          "gpt-4o",
		Tier:                models.TierAdvanced,
		PromptRatePer1K:     0.005,
		CompletionRatePer1K: 0.015,
	}
	liteSpec = registry.ModelSpec{
		Key:                 "relay-lite",
		UpstreamID:          "gpt-4o-mini",
		Tier:                models.TierBasic,
		PromptRatePer1K:     0.00015,
		CompletionRatePer1K: 0.0006,
	}
)

type memUsageStore struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	fail    error
}

func (s *memUsageStore) Insert(ctx context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, rec)
	return nil
}

// fakeStreamer scripts stream outcomes keyed by upstream model id.
type fakeStreamer struct {
	deltas    map[string][]string
	errBefore map[string]error // fail before emitting anything
	errAfter  map[string]error // fail after emitting all deltas
	calls     []string
}

func (f *fakeStreamer) Stream(ctx context.Context, req upstream.ChatRequest, onDelta func(string) error) (upstream.Usage, error) {
	f.calls = append(f.calls, req.Model)
	if err := f.errBefore[req.Model]; err != nil {
		return upstream.Usage{}, err
	}
	for _, d := range f.deltas[req.Model] {
		if err := onDelta(d); err != nil {
			return upstream.Usage{}, err
		}
	}
	return upstream.Usage{}, f.errAfter[req.Model]
}

func (f *fakeStreamer) Complete(ctx context.Context, req upstream.ChatRequest) (string, upstream.Usage, error) {
	f.calls = append(f.calls, req.Model)
	if err := f.errBefore[req.Model]; err != nil {
		return "", upstream.Usage{}, err
	}
	return strings.Join(f.deltas[req.Model], ""), upstream.Usage{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			frames = append(frames, map[string]any{"type": "done"})
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &frame))
		frames = append(frames, frame)
	}
	return frames
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("день"), "runes, not bytes")
}

func TestStreamHappyPath(t *testing.T) {
	streamer := &fakeStreamer{deltas: map[string][]string{
		"gpt-4o": {"Hel", "lo ", "world"},
	}}
	store := &memUsageStore{}
	r := New(streamer, store, testLogger())

	rec := httptest.NewRecorder()
	user := &models.User{ID: 7}
	msgs := []upstream.ChatMessage{{Role: "user", Content: "say hello please"}} // 16 runes = 4 tokens

	meta, err := r.Stream(context.Background(), rec, user, proSpec, &liteSpec, msgs)
	require.NoError(t, err)
	assert.False(t, meta.Fallback)
	assert.Equal(t, "relay-pro", meta.Model)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 5)
	assert.Equal(t, "content", frames[0]["type"])
	assert.Equal(t, "Hel", frames[0]["content"])
	assert.Equal(t, "metadata", frames[3]["type"])
	assert.Equal(t, "done", frames[4]["type"])

	assert.Equal(t, "relay-pro", frames[3]["model"])
	assert.Equal(t, false, frames[3]["fallback"])
	assert.EqualValues(t, 4, frames[3]["prompt_tokens"])
	// "Hel"=1, "lo "=1, "world"=2
	assert.EqualValues(t, 4, frames[3]["completion_tokens"])

	require.Len(t, store.records, 1)
	assert.Equal(t, "relay-pro", store.records[0].ModelName)
	assert.Equal(t, 8, store.records[0].TokensUsed)
	assert.InDelta(t, 4.0/1000*0.005+4.0/1000*0.015, store.records[0].CostUSD, 1e-12)
}

func TestStreamFallsBackBeforeFirstDelta(t *testing.T) {
	streamer := &fakeStreamer{
		deltas:    map[string][]string{"gpt-4o-mini": {"plan B"}},
		errBefore: map[string]error{"gpt-4o": &upstream.Error{Op: "chat", Status: 503}},
	}
	store := &memUsageStore{}
	r := New(streamer, store, testLogger())

	rec := httptest.NewRecorder()
	meta, err := r.Stream(context.Background(), rec, &models.User{ID: 1}, proSpec, &liteSpec, []upstream.ChatMessage{{Content: "hi"}})
	require.NoError(t, err)
	assert.True(t, meta.Fallback, "caller must learn a fallback happened")
	assert.Equal(t, "relay-lite", meta.Model)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, streamer.calls)

	frames := decodeFrames(t, rec.Body.String())
	metaFrame := frames[len(frames)-2]
	assert.Equal(t, "metadata", metaFrame["type"])
	assert.Equal(t, "relay-lite", metaFrame["model"], "rates and attribution follow the model that served")
	assert.Equal(t, true, metaFrame["fallback"])

	require.Len(t, store.records, 1)
	assert.Equal(t, "relay-lite", store.records[0].ModelName)
	assert.Equal(t, models.TierBasic, store.records[0].Tier)
	// prompt "hi" = 1 token, completion "plan B" = 2 tokens, at relay-lite rates.
	assert.InDelta(t, 1.0/1000*0.00015+2.0/1000*0.0006, store.records[0].CostUSD, 1e-12)
}

func TestStreamNoFallbackAfterFirstDelta(t *testing.T) {
	streamer := &fakeStreamer{
		deltas:   map[string][]string{"gpt-4o": {"partial"}},
		errAfter: map[string]error{"gpt-4o": &upstream.Error{Op: "chat stream", Err: errors.New("reset")}},
	}
	store := &memUsageStore{}
	r := New(streamer, store, testLogger())

	rec := httptest.NewRecorder()
	_, err := r.Stream(context.Background(), rec, &models.User{ID: 1}, proSpec, &liteSpec, []upstream.ChatMessage{{Content: "hi"}})
	require.NoError(t, err, "headers already sent, error must not reach the handler")
	assert.Equal(t, []string{"gpt-4o"}, streamer.calls, "mid-flight failure never retries")
	assert.NotContains(t, rec.Body.String(), "[DONE]", "truncated stream must not claim completion")
	assert.Empty(t, store.records, "an aborted stream is not charged")
}

func TestStreamNoFallbackWithoutAlternate(t *testing.T) {
	wantErr := &upstream.Error{Op: "chat", Status: 500}
	streamer := &fakeStreamer{errBefore: map[string]error{"gpt-4o": wantErr}}
	r := New(streamer, &memUsageStore{}, testLogger())

	rec := httptest.NewRecorder()
	_, err := r.Stream(context.Background(), rec, &models.User{ID: 1}, proSpec, nil, []upstream.ChatMessage{{Content: "hi"}})
	assert.ErrorIs(t, err, wantErr)
	assert.Empty(t, rec.Body.String(), "nothing written, handler may still answer with JSON")
}

func TestStreamFallbackFailureReturnsOriginalError(t *testing.T) {
	primaryErr := &upstream.Error{Op: "chat", Status: 503, Body: "primary down"}
	streamer := &fakeStreamer{errBefore: map[string]error{
		"gpt-4o":      primaryErr,
		"gpt-4o-mini": &upstream.Error{Op: "chat", Status: 500, Body: "fallback down"},
	}}
	r := New(streamer, &memUsageStore{}, testLogger())

	rec := httptest.NewRecorder()
	_, err := r.Stream(context.Background(), rec, &models.User{ID: 1}, proSpec, &liteSpec, []upstream.ChatMessage{{Content: "hi"}})
	assert.ErrorIs(t, err, primaryErr)
}

func TestStreamNonUpstreamErrorSkipsFallback(t *testing.T) {
	wantErr := errors.New("context canceled")
	streamer := &fakeStreamer{errBefore: map[string]error{"gpt-4o": wantErr}}
	r := New(streamer, &memUsageStore{}, testLogger())

	rec := httptest.NewRecorder()
	_, err := r.Stream(context.Background(), rec, &models.User{ID: 1}, proSpec, &liteSpec, []upstream.ChatMessage{{Content: "hi"}})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, []string{"gpt-4o"}, streamer.calls)
}

func TestStreamUsageInsertFailureIsSwallowed(t *testing.T) {
	streamer := &fakeStreamer{deltas: map[string][]string{"gpt-4o": {"ok"}}}
	store := &memUsageStore{fail: errors.New("db down")}
	r := New(streamer, store, testLogger())

	rec := httptest.NewRecorder()
	_, err := r.Stream(context.Background(), rec, &models.User{ID: 1}, proSpec, nil, []upstream.ChatMessage{{Content: "hi"}})
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), "[DONE]")
}

func TestCompletePrefersUpstreamUsage(t *testing.T) {
	streamer := &reportingStreamer{
		content: "four byte chunks here",
		usage:   upstream.Usage{PromptTokens: 42, CompletionTokens: 17},
	}
	store := &memUsageStore{}
	r := New(streamer, store, testLogger())

	_, meta, err := r.Complete(context.Background(), &models.User{ID: 1}, proSpec, nil, []upstream.ChatMessage{{Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, 42, meta.PromptTokens)
	assert.Equal(t, 17, meta.CompletionTokens)
	require.Len(t, store.records, 1)
	assert.Equal(t, 59, store.records[0].TokensUsed)
}

func TestCompleteFallsBackToEstimates(t *testing.T) {
	streamer := &fakeStreamer{deltas: map[string][]string{"gpt-4o": {"12345678"}}} // 2 tokens
	r := New(streamer, &memUsageStore{}, testLogger())

	content, meta, err := r.Complete(context.Background(), &models.User{ID: 1}, proSpec, nil, []upstream.ChatMessage{{Content: "abcd"}}) // 1 token
	require.NoError(t, err)
	assert.Equal(t, "12345678", content)
	assert.Equal(t, 1, meta.PromptTokens)
	assert.Equal(t, 2, meta.CompletionTokens)
}

func TestCompleteFallback(t *testing.T) {
	streamer := &fakeStreamer{
		deltas:    map[string][]string{"gpt-4o-mini": {"saved"}},
		errBefore: map[string]error{"gpt-4o": &upstream.Error{Op: "chat", Status: 503}},
	}
	r := New(streamer, &memUsageStore{}, testLogger())

	content, meta, err := r.Complete(context.Background(), &models.User{ID: 1}, proSpec, &liteSpec, []upstream.ChatMessage{{Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "saved", content)
	assert.True(t, meta.Fallback)
	assert.Equal(t, "relay-lite", meta.Model)
}

// reportingStreamer returns fixed content with upstream-reported usage.
type reportingStreamer struct {
	content string
	usage   upstream.Usage
}

func (s *reportingStreamer) Stream(ctx context.Context, req upstream.ChatRequest, onDelta func(string) error) (upstream.Usage, error) {
	if err := onDelta(s.content); err != nil {
		return upstream.Usage{}, err
	}
	return s.usage, nil
}

func (s *reportingStreamer) Complete(ctx context.Context, req upstream.ChatRequest) (string, upstream.Usage, error) {
	return s.content, s.usage, nil
}
