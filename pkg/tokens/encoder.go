package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Encoder counts tokens in text.
type Encoder interface {
	Count(text string) (int, error)
}

// TiktokenEncoder implements Encoder using tiktoken-go
type TiktokenEncoder struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEncoder creates a new tiktoken encoder
func NewTiktokenEncoder(encodingName string) (*TiktokenEncoder, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encodingName, err)
	}
	return &TiktokenEncoder{encoding: encoding}, nil
}

// Count returns the number of tokens in text
func (e *TiktokenEncoder) Count(text string) (int, error) {
	return len(e.encoding.Encode(text, nil, nil)), nil
}

// HeuristicEncoder estimates tokens at ~4 characters per token. Used when
// the tiktoken vocabulary cannot be loaded (e.g. offline test runs).
type HeuristicEncoder struct{}

// Count returns a character-based token estimate
func (e *HeuristicEncoder) Count(text string) (int, error) {
	count := len(text) / 4
	if count < 1 && len(text) > 0 {
		count = 1
	}
	return count, nil
}

var (
	defaultOnce    sync.Once
	defaultEncoder Encoder
)

// Default returns a process-wide encoder, falling back to the heuristic
// when tiktoken data is unavailable.
func Default() Encoder {
	defaultOnce.Do(func() {
		if enc, err := NewTiktokenEncoder("cl100k_base"); err == nil {
			defaultEncoder = enc
		} else {
			defaultEncoder = &HeuristicEncoder{}
		}
	})
	return defaultEncoder
}

// EstimateUsage estimates input and output token counts for a prompt and
// completion pair when the provider response carries no usage block.
func EstimateUsage(prompt, completion string) (inputTokens, outputTokens int) {
	enc := Default()
	inputTokens, _ = enc.Count(prompt)
	outputTokens, _ = enc.Count(completion)
	return inputTokens, outputTokens
}
