package ir

// Usage is the normalized token accounting record. All fields are
// non-negative.
//
// InputTokens counts prompt tokens excluding the cached portion;
// CachedTokens is the part of the prompt served from the provider's cache
// and CacheCreationTokens the part written to it this turn. OutputTokens
// counts the substantive reply only; ReasoningTokens counts thinking
// content separately. TotalTokens is the sum of everything involved.
//
// Dialects that report overlapping counters (Anthropic's single
// output_tokens spanning text and thinking, OpenAI's cache-inclusive
// prompt_tokens) are normalized into this shape by their transformers.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	ReasoningTokens     int `json:"reasoning_tokens,omitempty"`
	CachedTokens        int `json:"cached_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// IsZero reports whether no counter has been populated.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Merge overlays the non-zero counters of other onto u. Later observations
// win, which matches how providers re-send cumulative usage near the end of
// a stream.
func (u *Usage) Merge(other Usage) {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > 0 {
		u.OutputTokens = other.OutputTokens
	}
	if other.TotalTokens > 0 {
		u.TotalTokens = other.TotalTokens
	}
	if other.ReasoningTokens > 0 {
		u.ReasoningTokens = other.ReasoningTokens
	}
	if other.CachedTokens > 0 {
		u.CachedTokens = other.CachedTokens
	}
	if other.CacheCreationTokens > 0 {
		u.CacheCreationTokens = other.CacheCreationTokens
	}
}
