// Package salience implements Memora's write-time text processing (§4.6):
// splitting content into atoms, scoring how worth-storing each atom is,
// compressing long atoms while preserving retrievability anchors, and
// redacting sensitive text before persistence.
package salience

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

const atomHardCap = 4800

var (
	headingRe   = regexp.MustCompile(`(?m)^(#{1,6}\s|\d+\.\s|[-*+]\s)`)
	codeFenceRe = regexp.MustCompile("(?s)```.*?```")
	stackRe     = regexp.MustCompile(`(?m)^\s*(at |Traceback|Exception|panic:|goroutine \d+)`)
	decisionRe  = regexp.MustCompile(`(?i)\b(decided|we will|we chose|going with|agreed to)\b`)
	apiSchemaRe = regexp.MustCompile(`(?i)\b(endpoint|schema|payload|field|request|response)\b`)
	anchorFileRe = regexp.MustCompile(`\b[\w./-]+\.(go|py|js|ts|java|rb|md|yaml|yml|json)\b`)
	anchorCodeRe = regexp.MustCompile(`\b[A-Z]{2,}-\d+\b`)
	anchorDotRe  = regexp.MustCompile(`\b[a-zA-Z_][\w]*(?:\.[a-zA-Z_][\w]*){1,}\b`)
)

// Atom is a minimal unit of text extracted by atomicSplit: a paragraph,
// list item, or fenced code block.
type Atom struct {
	Text   string
	IsCode bool
}

// AtomicSplit divides text into atoms, preserving fenced code blocks
// verbatim and splitting the rest on headings/bullets/numbered
// lists/blank lines. Each atom is hard-capped via head/tail elision.
func AtomicSplit(text string) []Atom {
	var atoms []Atom
	rest := text
	for {
		loc := codeFenceRe.FindStringIndex(rest)
		if loc == nil {
			atoms = append(atoms, splitPlain(rest)...)
			break
		}
		atoms = append(atoms, splitPlain(rest[:loc[0]])...)
		atoms = append(atoms, Atom{Text: cap4800(rest[loc[0]:loc[1]]), IsCode: true})
		rest = rest[loc[1]:]
	}
	return atoms
}

func splitPlain(text string) []Atom {
	var out []Atom
	paras := splitOnBoundaries(text)
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Atom{Text: cap4800(p)})
	}
	return out
}

// splitOnBoundaries splits on blank lines and on lines that start a new
// heading/bullet/numbered item, keeping each boundary line attached to the
// block that follows it.
func splitOnBoundaries(text string) []string {
	lines := strings.Split(text, "\n")
	var blocks []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if headingRe.MatchString(line) && len(cur) > 0 {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

// cap4800 hard-caps an atom at ~4800 characters via head/tail elision.
func cap4800(s string) string {
	if len(s) <= atomHardCap {
		return s
	}
	half := (atomHardCap - len(" ... ")) / 2
	return s[:half] + " ... " + s[len(s)-half:]
}

// SalienceOptions carries tag-alignment context for ScoreSalience's boost term.
type SalienceOptions struct {
	Tags         []string
	BoostKeywords []string
}

// ScoreSalience returns a value in [0,1] combining length, structural
// signals, keyword/tag boosts, and a noise penalty (§4.6).
func ScoreSalience(text string, opts SalienceOptions) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	if len(trimmed) < 8 {
		return 0.05
	}

	lengthComponent := math.Log1p(float64(minInt(len(trimmed), 2000))) / math.Log1p(2000)

	var structural float64
	if stackRe.MatchString(text) {
		structural += 0.25
	}
	if codeFenceRe.MatchString(text) {
		structural += 0.2
	}
	if decisionRe.MatchString(text) {
		structural += 0.2
	}
	if apiSchemaRe.MatchString(text) {
		structural += 0.15
	}
	structural = math.Min(structural, 0.6)

	var boost float64
	lower := strings.ToLower(text)
	for _, kw := range opts.BoostKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			boost += 0.1
		}
	}
	for _, tag := range opts.Tags {
		if tag != "" && strings.Contains(lower, strings.ToLower(tag)) {
			boost += 0.05
		}
	}
	boost = math.Min(boost, 0.3)

	score := 0.5*lengthComponent + structural + boost

	noise := noisePenalty(trimmed)
	score -= noise

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func noisePenalty(s string) float64 {
	nonSpace := 0
	for _, r := range s {
		if !isSpace(r) {
			nonSpace++
		}
	}
	if nonSpace == 0 {
		return 1
	}
	if len(s) < 16 {
		return 0.4
	}
	return 0
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// SummarizeIfLong extractively compresses text to fit maxTokens (~4
// chars/token), preserving anchor-bearing sentences and appending a
// deduplicated anchors line (§4.6).
func SummarizeIfLong(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}

	anchors := extractAnchors(text)
	sentences := splitSentences(text)
	type scored struct {
		s     string
		score float64
		idx   int
	}
	scoredSentences := make([]scored, len(sentences))
	for i, s := range sentences {
		sc := 0.0
		low := strings.ToLower(s)
		for _, a := range anchors {
			if strings.Contains(s, a) {
				sc += 1.0
			}
		}
		for _, kw := range []string{"error", "fail", "must", "require", "decided"} {
			if strings.Contains(low, kw) {
				sc += 0.3
			}
		}
		scoredSentences[i] = scored{s: s, score: sc, idx: i}
	}
	sort.SliceStable(scoredSentences, func(i, j int) bool {
		return scoredSentences[i].score > scoredSentences[j].score
	})

	anchorLine := ""
	if len(anchors) > 0 {
		anchorLine = "[anchors] " + strings.Join(anchors, ", ")
	}
	budget := maxChars - len(anchorLine) - 1

	var picked []scored
	used := 0
	for _, s := range scoredSentences {
		if used+len(s.s) > budget {
			continue
		}
		picked = append(picked, s)
		used += len(s.s)
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].idx < picked[j].idx })

	var b strings.Builder
	for i, s := range picked {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.s)
	}
	if anchorLine != "" {
		b.WriteByte('\n')
		b.WriteString(anchorLine)
	}
	out := b.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

func splitSentences(text string) []string {
	raw := regexp.MustCompile(`(?s)(.*?[.!?])(\s+|$)`).FindAllStringSubmatch(text, -1)
	var out []string
	consumed := 0
	for _, m := range raw {
		s := strings.TrimSpace(m[1])
		if s != "" {
			out = append(out, s)
		}
		consumed += len(m[0])
	}
	if consumed < len(text) {
		rest := strings.TrimSpace(text[consumed:])
		if rest != "" {
			out = append(out, rest)
		}
	}
	return out
}

// extractAnchors returns deduplicated file paths, error codes, and dotted
// symbols found in text, in order of first appearance.
func extractAnchors(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(matches []string) {
		for _, m := range matches {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	add(anchorFileRe.FindAllString(text, -1))
	add(anchorCodeRe.FindAllString(text, -1))
	add(anchorDotRe.FindAllString(text, -1))
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
