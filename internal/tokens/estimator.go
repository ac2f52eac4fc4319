// Package tokens estimates the token footprint of upstream messages so the
// data context digest can be trimmed to a budget before posting.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens with the cl100k_base encoding. The backend does
// not expose its tokenizer; cl100k_base is close enough for budgeting.
type Estimator struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewEstimator creates an estimator. The encoding tables load lazily on
// first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) load() (tokenizer.Codec, error) {
	e.once.Do(func() {
		e.codec, e.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if e.err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", e.err)
	}
	return e.codec, nil
}

// Count returns the token count of text.
func (e *Estimator) Count(text string) (int, error) {
	codec, err := e.load()
	if err != nil {
		return 0, err
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("failed to encode text: %w", err)
	}
	return len(ids), nil
}

// Truncate cuts text to at most budget tokens. Text already within budget is
// returned unchanged; a non-positive budget yields the empty string.
func (e *Estimator) Truncate(text string, budget int) (string, error) {
	if budget <= 0 {
		return "", nil
	}

	codec, err := e.load()
	if err != nil {
		return "", err
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return "", fmt.Errorf("failed to encode text: %w", err)
	}
	if len(ids) <= budget {
		return text, nil
	}

	out, err := codec.Decode(ids[:budget])
	if err != nil {
		return "", fmt.Errorf("failed to decode truncated text: %w", err)
	}
	return out, nil
}
