package memory

import (
	"encoding/json"
	"strings"
)

// defaultConfidence grades events recovered by the line-based fallback,
// which is noisier than structured extraction.
const defaultConfidence = 0.6

// Extraction is one candidate memory record recovered from raw text,
// before policy checks.
type Extraction struct {
	// Kind classifies the candidate.
	Kind Kind `json:"kind"`
	// Content is the raw candidate text.
	Content string `json:"content"`
	// Confidence grades extraction certainty in [0,1].
	Confidence float64 `json:"confidence"`
	// Scope optionally overrides the caller's scope for this record.
	Scope Scope `json:"scope,omitempty"`
}

// Extractor recovers typed memory candidates from model output. Structured
// JSON is preferred; free text falls back to prefix-tagged line scanning.
// The zero value is ready to use.
type Extractor struct{}

// Extract parses raw text into candidates. It first tries a JSON array of
// {kind, content, confidence} objects (with or without a markdown fence);
// when that fails it scans lines for "kind: content" prefixes. Text with no
// recognizable structure yields no candidates rather than a catch-all blob.
func (Extractor) Extract(raw string) []Extraction {
	if out := extractJSON(raw); len(out) > 0 {
		return out
	}
	return extractLines(raw)
}

func extractJSON(raw string) []Extraction {
	t := strings.TrimSpace(raw)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		if i := strings.LastIndex(t, "```"); i >= 0 {
			t = t[:i]
		}
		t = strings.TrimSpace(t)
	}
	if !strings.HasPrefix(t, "[") {
		return nil
	}
	var items []Extraction
	if err := json.Unmarshal([]byte(t), &items); err != nil {
		return nil
	}
	out := items[:0]
	for _, it := range items {
		if !knownKind(it.Kind) || strings.TrimSpace(it.Content) == "" {
			continue
		}
		if it.Confidence <= 0 || it.Confidence > 1 {
			it.Confidence = defaultConfidence
		}
		out = append(out, it)
	}
	return out
}

func extractLines(raw string) []Extraction {
	var out []Extraction
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*• \t"))
		kind, content, ok := splitTagged(line)
		if !ok {
			continue
		}
		out = append(out, Extraction{Kind: kind, Content: content, Confidence: defaultConfidence})
	}
	return out
}

// splitTagged recognizes "decision: ...", "fact: ...", "constraint: ..."
// and "todo: ..." prefixes, case-insensitively.
func splitTagged(line string) (Kind, string, bool) {
	i := strings.Index(line, ":")
	if i <= 0 {
		return "", "", false
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(line[:i])))
	if !knownKind(kind) || kind == KindSummary {
		return "", "", false
	}
	content := strings.TrimSpace(line[i+1:])
	if content == "" {
		return "", "", false
	}
	return kind, content, true
}

func knownKind(k Kind) bool {
	switch k {
	case KindDecision, KindFact, KindConstraint, KindTodo, KindSummary:
		return true
	default:
		return false
	}
}
