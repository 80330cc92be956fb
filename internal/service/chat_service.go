package service

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/admission"
	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/notify"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/relay"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// ChatService wires admission, model resolution and the streaming relay.
// Chat charges on completion: the usage record is written only after the
// stream (or single call) finished.
type ChatService struct {
	admission *admission.Controller
	registry  *registry.Registry
	relay     *relay.Relay
	notifier  *notify.Notifier
	log       *slog.Logger
}

func NewChatService(adm *admission.Controller, reg *registry.Registry, rel *relay.Relay, notifier *notify.Notifier, log *slog.Logger) *ChatService {
	return &ChatService{
		admission: adm,
		registry:  reg,
		relay:     rel,
		notifier:  notifier,
		log:       log,
	}
}

// Stream serves a streaming completion straight onto w.
func (s *ChatService) Stream(ctx context.Context, w http.ResponseWriter, user *models.User, modelKey string, messages []upstream.ChatMessage) error {
	spec, err := s.registry.ResolveChat(modelKey)
	if err != nil {
		return err
	}

	release, err := s.admission.Admit(ctx, user, spec.Tier)
	if err != nil {
		return err
	}
	defer release()

	fallback := s.fallbackOf(spec)
	meta, err := s.relay.Stream(ctx, w, user, spec, fallback, messages)
	if err != nil {
		return err
	}
	if meta.Fallback {
		s.notifier.FallbackEngaged(spec.Key, meta.Model)
	}
	return nil
}

// Complete serves the non-streaming variant.
func (s *ChatService) Complete(ctx context.Context, user *models.User, modelKey string, messages []upstream.ChatMessage) (string, relay.Metadata, error) {
	spec, err := s.registry.ResolveChat(modelKey)
	if err != nil {
		return "", relay.Metadata{}, err
	}

	release, err := s.admission.Admit(ctx, user, spec.Tier)
	if err != nil {
		return "", relay.Metadata{}, err
	}
	defer release()

	fallback := s.fallbackOf(spec)
	content, meta, err := s.relay.Complete(ctx, user, spec, fallback, messages)
	if err != nil {
		return "", relay.Metadata{}, err
	}
	if meta.Fallback {
		s.notifier.FallbackEngaged(spec.Key, meta.Model)
	}
	return content, meta, nil
}

func (s *ChatService) fallbackOf(spec registry.ModelSpec) *registry.ModelSpec {
	fb, ok := s.registry.FallbackOf(spec.Key)
	if !ok {
		return nil
	}
	return &fb
}
