// Package tokenizer provides token counting for prompt budget accounting.
// The flow engine records prompt/completion token counts in its telemetry;
// exact counts come from tiktoken, with a CJK-aware estimator as fallback
// when encoding data is unavailable.
package tokenizer

import "unicode/utf8"

// Tokenizer counts tokens for a given text.
type Tokenizer interface {
	CountTokens(text string) (int, error)
	Name() string
}

// Estimator is a character-count-based token estimator. It distinguishes
// CJK and ASCII characters for better accuracy than a naive len/4.
type Estimator struct{}

// NewEstimator creates an estimator tokenizer. It never fails and needs no
// external encoding data.
func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	// CJK characters ~1.5 chars/token, ASCII ~4 chars/token.
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *Estimator) Name() string { return "estimator" }

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}

// Fallback wraps a primary tokenizer and falls back to the estimator when
// the primary errors (e.g. tiktoken encoding data not downloadable).
type Fallback struct {
	primary Tokenizer
	est     *Estimator
}

// NewFallback creates a fallback tokenizer chain.
func NewFallback(primary Tokenizer) *Fallback {
	return &Fallback{primary: primary, est: NewEstimator()}
}

func (f *Fallback) CountTokens(text string) (int, error) {
	if f.primary != nil {
		if n, err := f.primary.CountTokens(text); err == nil {
			return n, nil
		}
	}
	return f.est.CountTokens(text)
}

func (f *Fallback) Name() string {
	if f.primary != nil {
		return f.primary.Name() + "+estimator"
	}
	return f.est.Name()
}
