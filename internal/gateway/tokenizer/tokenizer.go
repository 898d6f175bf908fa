// Package tokenizer provides local token counting for billing fallbacks.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache sync.Map // model -> *tiktoken.Tiktoken
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountText returns the token count of text for the given model. If no
// encoding is available it falls back to a conservative len/4 estimate.
func CountText(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages estimates prompt tokens for a chat request: token counts of
// all message contents plus a small per-message overhead used by common chat
// formats.
func CountMessages(model string, texts ...string) int {
	total := 0
	for _, t := range texts {
		total += CountText(model, t) + 4
	}
	// reply primer
	total += 3
	return total
}

func getEncoding(model string) *tiktoken.Tiktoken {
	if cached, ok := encodingCache.Load(model); ok {
		return cached.(*tiktoken.Tiktoken)
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = defaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(model, enc)
	}
	return enc
}

func defaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}
