package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/models"
)

func TestTaskQueueSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/mj/submit/imagine":
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "mj-v6", payload["model"])
			json.NewEncoder(w).Encode(map[string]any{"code": 1, "result": "task-42"})
		case "/mj/task/task-42/fetch":
			json.NewEncoder(w).Encode(map[string]any{
				"status":   "SUCCESS",
				"progress": "100%",
				"imageUrl": "https://cdn.example.com/out.png",
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	b := NewTaskQueueBackend(srv.URL, "key", time.Second)

	sub, err := b.Submit(context.Background(), GenerationRequest{Model: "mj-v6", Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "task-42", sub.TaskID)
	assert.False(t, sub.Status.State.Terminal())

	st, err := b.Poll(context.Background(), "task-42")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, st.State)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, "https://cdn.example.com/out.png", st.ResultURL)
}

func TestTaskQueuePollStates(t *testing.T) {
	responses := map[string]map[string]any{
		"queued":     {"status": "QUEUED"},
		"in-flight":  {"status": "IN_PROGRESS", "progress": "45%"},
		"failed":     {"status": "FAILURE", "failReason": "banned prompt"},
		"no-url":     {"status": "SUCCESS"},
		"nested-url": {"status": "SUCCESS", "data": map[string]any{"url": "https://cdn.example.com/n.png"}},
	}
	var current string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(responses[current])
	}))
	defer srv.Close()

	b := NewTaskQueueBackend(srv.URL, "key", time.Second)

	current = "queued"
	st, err := b.Poll(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, st.State)

	current = "in-flight"
	st, err = b.Poll(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateProcessing, st.State)
	assert.Equal(t, 45, st.Progress)

	current = "failed"
	st, err = b.Poll(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailed, st.State)
	assert.Equal(t, "banned prompt", st.Message)

	current = "no-url"
	_, err = b.Poll(context.Background(), "t")
	assert.ErrorIs(t, err, ErrNoURLFound)

	current = "nested-url"
	st, err = b.Poll(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/n.png", st.ResultURL)
}

func TestTaskQueueUpstreamErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	b := NewTaskQueueBackend(srv.URL, "key", time.Second)
	_, err := b.Submit(context.Background(), GenerationRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, IsUpstreamError(err))

	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusPaymentRequired, ue.Status)
	assert.Contains(t, ue.Body, "quota exhausted")
}

func TestParseProgress(t *testing.T) {
	assert.Equal(t, 45, parseProgress("45%"))
	assert.Equal(t, 45, parseProgress(" 45 "))
	assert.Equal(t, 45, parseProgress(float64(45)))
	assert.Equal(t, 100, parseProgress(float64(250)))
	assert.Equal(t, 0, parseProgress("n/a"))
	assert.Equal(t, 0, parseProgress(nil))
}

func TestPredictionSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/predictions":
			var payload struct {
				Version string         `json:"version"`
				Input   map[string]any `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "model-ver", payload.Version)
			assert.Equal(t, "a dog", payload.Input["prompt"])
			assert.Equal(t, "16:9", payload.Input["aspect_ratio"])
			json.NewEncoder(w).Encode(map[string]any{"id": "pred-1", "status": "starting"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/pred-1":
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "pred-1",
				"status": "succeeded",
				"output": []string{"https://cdn.example.com/frame.mp4"},
			})
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	b := NewPredictionBackend(srv.URL, "key", time.Second)

	sub, err := b.Submit(context.Background(), GenerationRequest{Model: "model-ver", Prompt: "a dog", AspectRatio: "16:9"})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", sub.TaskID)
	assert.Equal(t, models.TaskStateProcessing, sub.Status.State)

	st, err := b.Poll(context.Background(), "pred-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, st.State)
	assert.Equal(t, "https://cdn.example.com/frame.mp4", st.ResultURL)
}

func TestPredictionStatusForms(t *testing.T) {
	tests := []struct {
		name   string
		resp   predictionResponse
		state  models.TaskState
		url    string
		errIs  error
		errMsg string
	}{
		{
			name:  "single string output",
			resp:  predictionResponse{Status: "succeeded", Output: json.RawMessage(`"https://x/1.png"`)},
			state: models.TaskStateCompleted,
			url:   "https://x/1.png",
		},
		{
			name:  "array output",
			resp:  predictionResponse{Status: "succeeded", Output: json.RawMessage(`["https://x/2.png"]`)},
			state: models.TaskStateCompleted,
			url:   "https://x/2.png",
		},
		{
			name:  "succeeded without output",
			resp:  predictionResponse{Status: "succeeded"},
			errIs: ErrNoURLFound,
		},
		{
			name:   "failed with reason",
			resp:   predictionResponse{Status: "failed", Error: "NSFW detected"},
			state:  models.TaskStateFailed,
			errMsg: "NSFW detected",
		},
		{
			name:  "unknown status maps to processing",
			resp:  predictionResponse{Status: "booting"},
			state: models.TaskStateProcessing,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st, err := predictionStatus(&tc.resp)
			if tc.errIs != nil {
				assert.ErrorIs(t, err, tc.errIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.state, st.State)
			assert.Equal(t, tc.url, st.ResultURL)
			assert.Equal(t, tc.errMsg, st.Message)
		})
	}
}

func TestDirectSubmitURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "1024x1024", payload["size"])
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"url": "https://cdn.example.com/d.png"}},
		})
	}))
	defer srv.Close()

	b := NewDirectBackend(srv.URL, "key", time.Second)
	sub, err := b.Submit(context.Background(), GenerationRequest{Model: "img-1", Prompt: "p", Resolution: "1024x1024"})
	require.NoError(t, err)
	assert.Empty(t, sub.TaskID)
	assert.Equal(t, models.TaskStateCompleted, sub.Status.State)
	assert.Equal(t, "https://cdn.example.com/d.png", sub.Status.ResultURL)
}

func TestDirectSubmitBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": "aGVsbG8="}},
		})
	}))
	defer srv.Close()

	b := NewDirectBackend(srv.URL, "key", time.Second)
	sub, err := b.Submit(context.Background(), GenerationRequest{Model: "img-1", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", sub.Status.ResultURL)
}

func TestDirectSubmitEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	b := NewDirectBackend(srv.URL, "key", time.Second)
	_, err := b.Submit(context.Background(), GenerationRequest{Model: "img-1", Prompt: "p"})
	assert.ErrorIs(t, err, ErrNoURLFound)
}

func TestDirectPollUnsupported(t *testing.T) {
	b := NewDirectBackend("http://unused", "key", time.Second)
	_, err := b.Poll(context.Background(), "t")
	assert.Error(t, err)
}

func TestSynchronousSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{"content": "here you go ![result](https://cdn.example.com/s.png)"},
			}},
		})
	}))
	defer srv.Close()

	b := NewSynchronousBackend(NewChatClient(srv.URL, "key", time.Second))
	sub, err := b.Submit(context.Background(), GenerationRequest{Model: "inline-img", Prompt: "p"})
	require.NoError(t, err)
	assert.Empty(t, sub.TaskID)
	assert.Equal(t, models.TaskStateCompleted, sub.Status.State)
	assert.Equal(t, "https://cdn.example.com/s.png", sub.Status.ResultURL)
}

func TestSynchronousSubmitNoURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{"content": "I cannot draw that"},
			}},
		})
	}))
	defer srv.Close()

	b := NewSynchronousBackend(NewChatClient(srv.URL, "key", time.Second))
	_, err := b.Submit(context.Background(), GenerationRequest{Model: "inline-img", Prompt: "p"})
	assert.ErrorIs(t, err, ErrNoURLFound)
}
