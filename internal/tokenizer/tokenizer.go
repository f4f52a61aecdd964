// Package tokenizer provides token counting for quota estimation and for
// synthesizing usage when a provider reports none.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/peregrinehq/switchboard/pkg/types"
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count for text using tiktoken. When no
// encoding is available it falls back to the documented ceil(len/4)
// approximation, which over-counts slightly rather than under-billing.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePromptTokens estimates input tokens for a request, with a small
// per-message overhead matching common chat formats.
func EstimatePromptTokens(req *types.ChatRequest) int {
	if req == nil {
		return 0
	}
	total := 0
	for _, msg := range req.Messages {
		total += CountTextTokens(req.Model, string(msg.Role))
		total += CountTextTokens(req.Model, msg.Text)
		total += 2
	}
	// Reply primer overhead.
	total += 3
	return total
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
