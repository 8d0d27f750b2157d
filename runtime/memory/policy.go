package memory

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"goa.design/relay/runtime/token"
)

// Validation errors returned by Policy.Validate.
var (
	// ErrEmptyContent rejects whitespace-only content.
	ErrEmptyContent = errors.New("memory: content is empty")
	// ErrContentTooLong rejects content over MaxContentLen bytes.
	ErrContentTooLong = errors.New("memory: content exceeds maximum length")
	// ErrInjection rejects content carrying HTML/JS injection patterns.
	ErrInjection = errors.New("memory: content contains injection patterns")
)

// injectionPatterns match markup that must never round-trip through memory
// into a prompt. Matching is conservative: memory carries prose and code
// discussion, not live documents, so any of these rejects outright.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)<\s*iframe\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon(?:error|load|click|mouseover)\s*=`),
	regexp.MustCompile(`(?i)data:text/html`),
}

// redaction pairs a detector with its replacement marker. Order matters:
// structured credentials are matched before the generic secret assignment
// patterns so the most specific marker wins.
type redaction struct {
	re      *regexp.Regexp
	replace string
}

var redactions = []redaction{
	// Provider API keys (OpenAI/Anthropic style, AWS access key IDs).
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[REDACTED_API_KEY]"},
	// Bearer tokens.
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{8,}=*`), "Bearer [REDACTED_TOKEN]"},
	// Credit card numbers, with or without separators.
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[REDACTED_CARD]"},
	// Email addresses.
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[REDACTED_EMAIL]"},
	// password=..., secret: "...", api_key = '...' style assignments.
	{regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|token)\b(\s*[:=]\s*)\S+`), "$1$2[REDACTED]"},
}

// Policy validates and sanitizes memory content before persistence. The
// zero value is not usable; construct with NewPolicy. Policies are
// immutable and safe for concurrent use.
type Policy struct {
	estimator *token.Estimator
	maxTokens int
}

// NewPolicy constructs a Policy. maxTokens caps stored content via the
// estimator's truncation; zero disables the token cap (the byte cap still
// applies).
func NewPolicy(estimator *token.Estimator, maxTokens int) (*Policy, error) {
	if estimator == nil {
		return nil, errors.New("memory: policy requires a token estimator")
	}
	if maxTokens < 0 {
		return nil, fmt.Errorf("memory: maxTokens must be non-negative, got %d", maxTokens)
	}
	return &Policy{estimator: estimator, maxTokens: maxTokens}, nil
}

// Validate rejects content that must not be persisted.
func (p *Policy) Validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentLen {
		return ErrContentTooLong
	}
	for _, re := range injectionPatterns {
		if re.MatchString(content) {
			return ErrInjection
		}
	}
	return nil
}

// Redact substitutes credential and PII patterns with fixed markers and
// applies the token cap. Redaction is unconditional: content that already
// passed Validate still gets scrubbed.
func (p *Policy) Redact(content string) string {
	for _, r := range redactions {
		content = r.re.ReplaceAllString(content, r.replace)
	}
	if p.maxTokens > 0 {
		content = p.estimator.TruncateToTokens(content, p.maxTokens)
	}
	return content
}

// Sanitize is Validate followed by Redact.
func (p *Policy) Sanitize(content string) (string, error) {
	if err := p.Validate(content); err != nil {
		return "", err
	}
	return p.Redact(content), nil
}
