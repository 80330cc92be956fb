// Package upstream contains the provider-facing clients: the chat completion
// client and the four structurally different generation backends, normalized
// behind one Backend interface and one task-status vocabulary.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/models"
)

var (
	// ErrNoURLFound means the upstream answered successfully but no result
	// URL (or embedded payload) could be located in any known position.
	ErrNoURLFound = errors.New("no result url found in upstream response")

	// ErrGenerationTimeout means the attempt cap elapsed without the task
	// reaching a terminal state.
	ErrGenerationTimeout = errors.New("generation timed out")
)

// Error is a transport or non-2xx failure talking to a provider. It is the
// only error class that triggers the fallback resolver.
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("upstream %s: status=%d body=%s", e.Op, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// IsUpstreamError reports whether err is a provider transport/status failure.
func IsUpstreamError(err error) bool {
	var ue *Error
	return errors.As(err, &ue)
}

// Status is the normalized view of one task-status probe.
type Status struct {
	State     models.TaskState
	Progress  int // 0-100
	ResultURL string
	Message   string // failure detail, when the provider reports one
}

// GenerationRequest is a provider-agnostic generation job.
type GenerationRequest struct {
	Model       string // upstream model identifier
	Prompt      string
	AspectRatio string
	Resolution  string
}

// Submission is the outcome of Submit. For shapes without server-side tasks
// the status is already terminal and TaskID stays empty.
type Submission struct {
	TaskID string
	Status Status
}

// Backend is one upstream API shape. Poll is idempotent and safe to call
// repeatedly; it is only meaningful when Submit returned a task id.
type Backend interface {
	Submit(ctx context.Context, req GenerationRequest) (Submission, error)
	Poll(ctx context.Context, taskID string) (Status, error)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
