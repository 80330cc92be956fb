package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/service"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []upstream.ChatMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model and messages are required"})
		return
	}

	if req.Stream {
		if err := s.chat.Stream(r.Context(), w, user, req.Model, req.Messages); err != nil {
			s.writeError(w, err)
		}
		return
	}

	content, meta, err := s.chat.Complete(r.Context(), user, req.Model, req.Messages)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"content":  content,
		"metadata": meta,
	})
}

type generationRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	Count       int    `json:"count"`
	AspectRatio string `json:"aspect_ratio"`
	Resolution  string `json:"resolution"`
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	s.handleGeneration(w, r, s.images)
}

func (s *Server) handleVideoGenerations(w http.ResponseWriter, r *http.Request) {
	s.handleGeneration(w, r, s.videos)
}

func (s *Server) handleGeneration(w http.ResponseWriter, r *http.Request, svc *service.GenerationService) {
	user := auth.UserFromContext(r.Context())

	var req generationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Model == "" || req.Prompt == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model and prompt are required"})
		return
	}

	tasks, err := svc.Generate(r.Context(), user, service.GenerationRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Count:       req.Count,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStatus(svc *service.GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		task, err := svc.Status(r.Context(), user, chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if task == nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		s.writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type chatEntry struct {
		Key         string  `json:"key"`
		DisplayName string  `json:"display_name"`
		Tier        string  `json:"tier"`
		PromptRate  float64 `json:"prompt_rate_per_1k"`
		OutputRate  float64 `json:"completion_rate_per_1k"`
	}
	type genEntry struct {
		Key         string `json:"key"`
		DisplayName string `json:"display_name"`
		Tier        string `json:"tier"`
		CostCredits int    `json:"cost_credits"`
	}

	var chat []chatEntry
	for _, m := range s.registry.ChatModels() {
		chat = append(chat, chatEntry{
			Key:         m.Key,
			DisplayName: m.DisplayName,
			Tier:        string(m.Tier),
			PromptRate:  m.PromptRatePer1K,
			OutputRate:  m.CompletionRatePer1K,
		})
	}
	var images, videos []genEntry
	for _, g := range s.registry.ImageModels() {
		images = append(images, genEntry{Key: g.Key, DisplayName: g.DisplayName, Tier: string(g.Tier), CostCredits: g.CostCredits})
	}
	for _, g := range s.registry.VideoModels() {
		videos = append(videos, genEntry{Key: g.Key, DisplayName: g.DisplayName, Tier: string(g.Tier), CostCredits: g.CostCredits})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"chat":  chat,
		"image": images,
		"video": videos,
	})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	// Re-read the row; the context copy may predate a deduction.
	user := auth.UserFromContext(r.Context())
	fresh, err := s.users.FindByID(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if fresh == nil {
		fresh = user
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"credits":       fresh.Balance(models.CreditTypeGeneral),
		"image_credits": fresh.Balance(models.CreditTypeImage),
		"video_credits": fresh.Balance(models.CreditTypeVideo),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	now := time.Now().UTC()

	day, err := s.usage.SummaryForDay(r.Context(), user.ID, now.Format("2006-01-02"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	month, err := s.usage.SummaryForMonth(r.Context(), user.ID, now.Format("2006-01"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"today":      day,
		"this_month": month,
	})
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body error"})
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if err := s.payments.Settle(r.Context(), payload, signature); err != nil {
		s.log.Error("payment webhook", "err", err)
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
