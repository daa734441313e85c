package model

// TokenUsage aggregates token accounting reported by a backend.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CacheTokens  int `json:"cache_tokens"`
}

// Add accumulates other into u, field by field.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CacheTokens += other.CacheTokens
}
