package engine

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"claudeproxy/internal/domain"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateUsage computes token usage for a prompt/completion pair when
// the agent did not report its own numbers. It uses the cl100k_base
// encoding, which is close enough for billing-free accounting; if the
// encoding cannot be loaded (offline BPE fetch), a crude word-count
// heuristic is used instead.
func EstimateUsage(prompt, completion string) domain.Usage {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	u := domain.Usage{
		PromptTokens:     countTokens(prompt),
		CompletionTokens: countTokens(completion),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func countTokens(text string) int {
	if text == "" {
		return 0
	}
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(strings.Fields(text)) * 2
}
