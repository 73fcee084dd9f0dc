package salience

import (
	"regexp"
	"strings"
	"sync"

	"memora/internal/merrors"
)

const redactedSentinel = "[REDACTED]"

// Redactor applies a compiled set of regex patterns from config, replacing
// matches with a constant sentinel (§4.6). Patterns support an inline
// case-insensitive flag prefix, e.g. "(?i)password\\s*=\\s*\\S+".
// Patterns are precompiled and cached at config-load time (§9).
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewRedactor compiles patterns once; an invalid pattern is reported rather
// than silently dropped.
func NewRedactor(patterns []string) (*Redactor, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, merrors.Wrap(merrors.ConfigInvalid, "invalid redaction pattern: "+p, err)
		}
		compiled = append(compiled, re)
	}
	return &Redactor{patterns: compiled}, nil
}

// Redact replaces every match of every configured pattern with the sentinel.
func (r *Redactor) Redact(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := text
	for _, re := range r.patterns {
		out = re.ReplaceAllString(out, redactedSentinel)
	}
	return out
}

// factRe recognizes the shallow fact-extraction grammar from §4.7 step 6a:
// "<subject> (introduced_in|requires|uses) <object>".
var factRe = regexp.MustCompile(`(?i)\b([\w.\-]+)\s+(introduced_in|requires|uses)\s+([\w.\-]+)`)

// ExtractedFact is one shallow (s, p, o) match.
type ExtractedFact struct {
	S, P, O string
}

// ExtractFacts runs the single shallow regex fact extractor over text. Per
// §9's open question, this is deliberately one pattern: whether callers
// intend to populate facts_text explicitly or rely on extraction is
// ambiguous, so both paths are supported rather than one being preferred.
func ExtractFacts(text string) []ExtractedFact {
	matches := factRe.FindAllStringSubmatch(text, -1)
	out := make([]ExtractedFact, 0, len(matches))
	for _, m := range matches {
		out = append(out, ExtractedFact{S: m[1], P: strings.ToLower(m[2]), O: m[3]})
	}
	return out
}
