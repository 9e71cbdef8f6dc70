package stream

// Usage holds canonical token counts for one exchange.
type Usage struct {
	InputTokens           int `json:"input_tokens"`
	OutputTokens          int `json:"output_tokens"`
	CacheReadInputTokens  int `json:"cache_read_input_tokens,omitempty"`
	CacheWriteInputTokens int `json:"cache_write_input_tokens,omitempty"`
	ReasoningTokens       int `json:"reasoning_tokens,omitempty"`
}

// Merge folds another usage report into u. Vendors report either running
// totals or final totals; the larger value wins so repeated reports are safe.
func (u *Usage) Merge(other Usage) {
	u.InputTokens = maxInt(u.InputTokens, other.InputTokens)
	u.OutputTokens = maxInt(u.OutputTokens, other.OutputTokens)
	u.CacheReadInputTokens = maxInt(u.CacheReadInputTokens, other.CacheReadInputTokens)
	u.CacheWriteInputTokens = maxInt(u.CacheWriteInputTokens, other.CacheWriteInputTokens)
	u.ReasoningTokens = maxInt(u.ReasoningTokens, other.ReasoningTokens)
}

// IsZero reports whether no counts have been recorded.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}
