// Package tokens estimates token counts for text when a provider does not
// report usage.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var (
	mu        sync.Mutex
	encodings = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) *tiktoken.Tiktoken {
	mu.Lock()
	defer mu.Unlock()
	if tkm, ok := encodings[model]; ok {
		return tkm
	}
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			tkm = nil
		}
	}
	encodings[model] = tkm
	return tkm
}

// Count returns the number of tokens in text for model. Unknown models use
// cl100k_base. If no encoding can be loaded the count is estimated as one
// token per four bytes.
func Count(model, text string) int {
	if text == "" {
		return 0
	}
	tkm := encodingFor(model)
	if tkm == nil {
		return Approx(text)
	}
	return len(tkm.Encode(text, nil, nil))
}

// Approx estimates tokens as ceil(len/4).
func Approx(text string) int {
	return (len(text) + 3) / 4
}
