// Package token provides deterministic token estimation and allocation
// primitives used throughout the runtime for budgeting model calls and
// sizing context windows. Estimation is a pure character-ratio
// approximation so results are stable across processes and replays; no
// tokenizer model is loaded and no I/O is performed.
package token

import (
	"fmt"
	"unicode/utf8"
)

// DefaultCharsPerToken is the character-to-token ratio applied when an
// Estimator is constructed without an explicit ratio. Four characters per
// token tracks the common English-prose average used by provider
// documentation.
const DefaultCharsPerToken = 4

// truncationMarker terminates truncated text so downstream consumers can
// tell a clipped prefix from complete content.
const truncationMarker = "..."

// Estimator converts text to approximate token counts using a fixed
// characters-per-token ratio. The zero value is not usable; construct with
// NewEstimator. Estimators are immutable and safe for concurrent use.
type Estimator struct {
	charsPerToken int
}

// NewEstimator returns an Estimator with the given characters-per-token
// ratio. A zero ratio selects DefaultCharsPerToken; a negative ratio is
// rejected.
func NewEstimator(charsPerToken int) (*Estimator, error) {
	if charsPerToken < 0 {
		return nil, fmt.Errorf("token: charsPerToken must be positive, got %d", charsPerToken)
	}
	if charsPerToken == 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &Estimator{charsPerToken: charsPerToken}, nil
}

// CharsPerToken reports the ratio the estimator was constructed with.
func (e *Estimator) CharsPerToken() int { return e.charsPerToken }

// Estimate returns ceil(len(text)/charsPerToken). Empty text estimates to
// zero tokens.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + e.charsPerToken - 1) / e.charsPerToken
}

// EstimateBatch returns the sum of Estimate over all texts.
func (e *Estimator) EstimateBatch(texts []string) int {
	total := 0
	for _, t := range texts {
		total += e.Estimate(t)
	}
	return total
}

// TruncateToTokens returns a prefix of text that fits within max tokens
// with a 5% safety margin, terminated by a truncation marker. Text that
// already fits is returned unchanged. A non-positive budget yields the
// empty string. The cut never splits a UTF-8 sequence.
func (e *Estimator) TruncateToTokens(text string, max int) string {
	if max <= 0 {
		return ""
	}
	if e.Estimate(text) <= max {
		return text
	}
	// Estimate(text) > max implies len(text) > max*charsPerToken, so the
	// computed cut always lands inside text.
	budget := int(float64(max*e.charsPerToken) * 0.95)
	cut := budget - len(truncationMarker)
	if cut <= 0 {
		return truncationMarker
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker
}
