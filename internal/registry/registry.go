package registry

import (
	"errors"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/models"
)

// ErrUnknownModel is returned for any key outside the enumerated model set.
// Raw upstream identifiers are never accepted from callers.
var ErrUnknownModel = errors.New("unknown model")

// ModelSpec describes one chat model the gateway is willing to route to.
type ModelSpec struct {
	Key                 string
	UpstreamID          string
	Tier                models.Tier
	MaxOutputTokens     int
	PromptRatePer1K     float64
	CompletionRatePer1K float64
	DisplayName         string
}

// Kind names the upstream API shape a generation model is served by.
type Kind string

const (
	KindSynchronous Kind = "synchronous"
	KindTaskQueue   Kind = "task_queue"
	KindPrediction  Kind = "prediction"
	KindDirect      Kind = "direct"
)

// GenerationSpec describes one image or video model, priced in credits.
type GenerationSpec struct {
	Key         string
	UpstreamID  string
	Kind        Kind
	Tier        models.Tier
	CostCredits int
	DisplayName string
}

// Registry holds the immutable model tables, loaded once at process start.
type Registry struct {
	chat      map[string]ModelSpec
	fallbacks map[string]string
	image     map[string]GenerationSpec
	video     map[string]GenerationSpec
}

func New(chat []ModelSpec, fallbacks map[string]string, image, video []GenerationSpec) (*Registry, error) {
	r := &Registry{
		chat:      make(map[string]ModelSpec, len(chat)),
		fallbacks: make(map[string]string, len(fallbacks)),
		image:     make(map[string]GenerationSpec, len(image)),
		video:     make(map[string]GenerationSpec, len(video)),
	}
	for _, m := range chat {
		if _, dup := r.chat[m.Key]; dup {
			return nil, fmt.Errorf("duplicate chat model key %q", m.Key)
		}
		r.chat[m.Key] = m
	}
	for key, alt := range fallbacks {
		if _, ok := r.chat[key]; !ok {
			return nil, fmt.Errorf("fallback source %q is not a known model", key)
		}
		if _, ok := r.chat[alt]; !ok {
			return nil, fmt.Errorf("fallback target %q is not a known model", alt)
		}
		if key == alt {
			return nil, fmt.Errorf("model %q cannot fall back to itself", key)
		}
		r.fallbacks[key] = alt
	}
	for _, g := range image {
		r.image[g.Key] = g
	}
	for _, g := range video {
		r.video[g.Key] = g
	}
	return r, nil
}

// Default returns the built-in model tables.
func Default() *Registry {
	r, err := New(defaultChatModels, defaultFallbacks, defaultImageModels, defaultVideoModels)
	if err != nil {
		// The built-in tables are validated by tests; a broken table is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return r
}

func (r *Registry) ResolveChat(key string) (ModelSpec, error) {
	spec, ok := r.chat[key]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: %s", ErrUnknownModel, key)
	}
	return spec, nil
}

// FallbackOf returns the one-hop alternate for key, if any. Fallback targets
// are never re-resolved, so the chain is loop-free by construction.
func (r *Registry) FallbackOf(key string) (ModelSpec, bool) {
	alt, ok := r.fallbacks[key]
	if !ok {
		return ModelSpec{}, false
	}
	spec, ok := r.chat[alt]
	return spec, ok
}

func (r *Registry) ResolveImage(key string) (GenerationSpec, error) {
	spec, ok := r.image[key]
	if !ok {
		return GenerationSpec{}, fmt.Errorf("%w: %s", ErrUnknownModel, key)
	}
	return spec, nil
}

func (r *Registry) ResolveVideo(key string) (GenerationSpec, error) {
	spec, ok := r.video[key]
	if !ok {
		return GenerationSpec{}, fmt.Errorf("%w: %s", ErrUnknownModel, key)
	}
	return spec, nil
}

func (r *Registry) ChatModels() []ModelSpec {
	out := make([]ModelSpec, 0, len(r.chat))
	for _, m := range r.chat {
		out = append(out, m)
	}
	return out
}

func (r *Registry) ImageModels() []GenerationSpec {
	out := make([]GenerationSpec, 0, len(r.image))
	for _, g := range r.image {
		out = append(out, g)
	}
	return out
}

func (r *Registry) VideoModels() []GenerationSpec {
	out := make([]GenerationSpec, 0, len(r.video))
	for _, g := range r.video {
		out = append(out, g)
	}
	return out
}
