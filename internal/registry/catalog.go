package registry

import "github.com/modelrelay/modelrelay/internal/models"

// Pricing is illustrative, not a billing source of truth: token counts are
// estimated, not tokenized exactly.
var defaultChatModels = []ModelSpec{
	{
		Key:                 "relay-lite",
		UpstreamID:          "gpt-4o-mini",
		Tier:                models.TierBasic,
		MaxOutputTokens:     4096,
		PromptRatePer1K:     0.00015,
		CompletionRatePer1K: 0.0006,
		DisplayName:         "Relay Lite",
	},
	{
		Key:                 "relay-pro",
		UpstreamID:          "gpt-4o",
		Tier:                models.TierAdvanced,
		MaxOutputTokens:     8192,
		PromptRatePer1K:     0.0025,
		CompletionRatePer1K: 0.01,
		DisplayName:         "Relay Pro",
	},
	{
		Key:                 "relay-reasoner",
		UpstreamID:          "o3-mini",
		Tier:                models.TierAdvanced,
		MaxOutputTokens:     16384,
		PromptRatePer1K:     0.0011,
		CompletionRatePer1K: 0.0044,
		DisplayName:         "Relay Reasoner",
	},
}

// Each key maps to at most one alternate, consulted only on upstream failure.
var defaultFallbacks = map[string]string{
	"relay-pro":      "relay-lite",
	"relay-reasoner": "relay-lite",
}

var defaultImageModels = []GenerationSpec{
	{
		Key:         "canvas-mj",
		UpstreamID:  "midjourney-v6",
		Kind:        KindTaskQueue,
		Tier:        models.TierAdvanced,
		CostCredits: 6,
		DisplayName: "Canvas MJ",
	},
	{
		Key:         "canvas-flux",
		UpstreamID:  "black-forest-labs/flux-schnell",
		Kind:        KindPrediction,
		Tier:        models.TierBasic,
		CostCredits: 4,
		DisplayName: "Canvas Flux",
	},
	{
		Key:         "canvas-direct",
		UpstreamID:  "dall-e-3",
		Kind:        KindDirect,
		Tier:        models.TierBasic,
		CostCredits: 5,
		DisplayName: "Canvas Direct",
	},
	{
		Key:         "canvas-inline",
		UpstreamID:  "gpt-4o-image",
		Kind:        KindSynchronous,
		Tier:        models.TierBasic,
		CostCredits: 3,
		DisplayName: "Canvas Inline",
	},
}

var defaultVideoModels = []GenerationSpec{
	{
		Key:         "motion-std",
		UpstreamID:  "minimax/video-01",
		Kind:        KindPrediction,
		Tier:        models.TierBasic,
		CostCredits: 10,
		DisplayName: "Motion Standard",
	},
	{
		Key:         "motion-pro",
		UpstreamID:  "kling-v1.6-pro",
		Kind:        KindTaskQueue,
		Tier:        models.TierAdvanced,
		CostCredits: 20,
		DisplayName: "Motion Pro",
	},
}
