package upstream

import (
	"context"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/models"
)

// SynchronousBackend serves generation models whose provider answers a plain
// chat call with the result location embedded in free text. The poller
// degenerates to a single parse step; no network polling occurs.
type SynchronousBackend struct {
	chat *ChatClient
}

func NewSynchronousBackend(chat *ChatClient) *SynchronousBackend {
	return &SynchronousBackend{chat: chat}
}

func (b *SynchronousBackend) Submit(ctx context.Context, req GenerationRequest) (Submission, error) {
	content, _, err := b.chat.Complete(ctx, ChatRequest{
		Model: req.Model,
		Messages: []ChatMessage{
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return Submission{}, err
	}

	url, ok := extractResultURL(content)
	if !ok {
		return Submission{}, ErrNoURLFound
	}
	return Submission{
		Status: Status{State: models.TaskStateCompleted, Progress: 100, ResultURL: url},
	}, nil
}

func (b *SynchronousBackend) Poll(ctx context.Context, taskID string) (Status, error) {
	return Status{}, fmt.Errorf("synchronous generation has no server-side tasks")
}
