// Package tokens counts model tokens and bounds conversation history to a
// token budget.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const DefaultEncoding = "cl100k_base"

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

type Counter interface {
	Count(text string) int
}

type Encoder struct {
	enc *tiktoken.Tiktoken
}

var (
	encoderMu sync.Mutex
	encoders  = map[string]*Encoder{}
)

// NewEncoder returns a shared encoder for the named BPE encoding.
func NewEncoder(name string) (*Encoder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultEncoding
	}
	encoderMu.Lock()
	defer encoderMu.Unlock()
	if e, ok := encoders[name]; ok {
		return e, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", name, err)
	}
	e := &Encoder{enc: enc}
	encoders[name] = e
	return e, nil
}

func (e *Encoder) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}

// KeepRecent returns the index of the oldest item to keep so that the kept
// suffix holds at most maxItems items and at most maxTokens tokens. Zero or
// negative limits are ignored. The newest item is always kept.
func KeepRecent(counter Counter, texts []string, maxItems, maxTokens int) int {
	start := 0
	if maxItems > 0 && len(texts) > maxItems {
		start = len(texts) - maxItems
	}
	if maxTokens <= 0 || counter == nil {
		return start
	}

	total := 0
	for i := len(texts) - 1; i >= start; i-- {
		total += counter.Count(texts[i])
		if total > maxTokens && i < len(texts)-1 {
			return i + 1
		}
	}
	return start
}
