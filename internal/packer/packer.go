// Package packer implements Memora's deterministic prompt assembler
// (§4.10): ordered named sections are compressed and concatenated under a
// global token budget, per-section budgets, and section-specific rules.
package packer

import (
	"regexp"
	"sort"
	"strings"
)

const charsPerToken = 4

// Section is one named block of content to pack.
type Section struct {
	Name    string
	Content string
}

// Limits configures the global and per-section token budgets.
type Limits struct {
	MaxTokens      int
	MaxSnippets    int
	SectionBudgets map[string]int // name -> max_tokens
}

// Options controls section-specific compression behavior.
type Options struct {
	Order              []string
	Limits             Limits
	PreserveAnchors    bool // retrieved section
	RecentTurnsKeepN   int  // recent_turns section
	MinTokensToSummarize int // retrieved section: summarize above this
}

var (
	anchorFileRe = regexp.MustCompile(`\b[\w./-]+\.(go|py|js|ts|java|rb|md|yaml|yml|json)\b`)
	anchorCodeRe = regexp.MustCompile(`\b[A-Z]{2,}-\d+\b`)
)

func estimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// headerFor renders the canonical section headers from §4.10, falling back
// to "## <name>" for unknown names.
func headerFor(name string) string {
	switch name {
	case "system":
		return "## System"
	case "task":
		return "## Task"
	case "tools":
		return "## Tools"
	case "retrieved":
		return "## Retrieved Memory"
	case "recent_turns":
		return "## Recent Turns"
	default:
		return "## " + name
	}
}

// Pack assembles sections in opts.Order (sections not named there follow in
// their given order), honoring the global and per-section budgets.
func Pack(sections []Section, opts Options) string {
	ordered := reorder(sections, opts.Order)

	globalBudget := opts.Limits.MaxTokens
	if globalBudget <= 0 {
		globalBudget = 1 << 30
	}
	used := 0

	var out []string
	for _, s := range ordered {
		sectionBudget := globalBudget - used
		if b, ok := opts.Limits.SectionBudgets[s.Name]; ok && b > 0 && b < sectionBudget {
			sectionBudget = b
		}
		if sectionBudget <= 0 {
			continue
		}
		content := compress(s, sectionBudget, opts)
		tokens := estimateTokens(content)
		if tokens > sectionBudget {
			content = truncateToTokens(content, sectionBudget)
			tokens = estimateTokens(content)
		}
		if used+tokens > globalBudget {
			remaining := globalBudget - used
			if remaining <= 0 {
				break
			}
			content = truncateToTokens(content, remaining)
			tokens = estimateTokens(content)
		}
		out = append(out, headerFor(s.Name)+"\n"+content)
		used += tokens
		if used >= globalBudget {
			break
		}
	}
	return strings.Join(out, "\n\n")
}

func reorder(sections []Section, order []string) []Section {
	if len(order) == 0 {
		return sections
	}
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	out := make([]Section, len(sections))
	copy(out, sections)
	sort.SliceStable(out, func(i, j int) bool {
		pi, oki := pos[out[i].Name]
		pj, okj := pos[out[j].Name]
		if oki && okj {
			return pi < pj
		}
		if oki != okj {
			return oki // named-order sections sort before unnamed ones
		}
		return false
	})
	return out
}

func compress(s Section, budgetTokens int, opts Options) string {
	switch s.Name {
	case "retrieved":
		return compressRetrieved(s.Content, budgetTokens, opts)
	case "recent_turns":
		return compressRecentTurns(s.Content, opts.RecentTurnsKeepN)
	default:
		return s.Content
	}
}

// compressRetrieved keeps anchor-bearing lines verbatim; long non-anchor
// lines above minTokens are summarized by mid-truncation; when
// preserve_anchors is false, the whole section is truncated by tokens.
func compressRetrieved(content string, budgetTokens int, opts Options) string {
	if !opts.PreserveAnchors {
		return truncateToTokens(content, budgetTokens)
	}
	minTokens := opts.MinTokensToSummarize
	if minTokens <= 0 {
		minTokens = 40
	}
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if hasAnchor(line) {
			out = append(out, line)
			continue
		}
		if estimateTokens(line) > minTokens {
			out = append(out, summarizeLine(line, minTokens))
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func hasAnchor(s string) bool {
	return anchorFileRe.MatchString(s) || anchorCodeRe.MatchString(s)
}

func summarizeLine(s string, maxTokens int) string {
	maxChars := maxTokens * charsPerToken
	if len(s) <= maxChars {
		return s
	}
	half := (maxChars - 5) / 2
	if half < 0 {
		half = 0
	}
	return s[:half] + " ... " + s[len(s)-half:]
}

// compressRecentTurns splits on the literal "---TURN---" delimiter and keeps
// only the last N turns.
func compressRecentTurns(content string, keepN int) string {
	if keepN <= 0 {
		return content
	}
	turns := strings.Split(content, "---TURN---")
	if len(turns) <= keepN {
		return content
	}
	return strings.Join(turns[len(turns)-keepN:], "---TURN---")
}

func truncateToTokens(s string, maxTokens int) string {
	maxChars := maxTokens * charsPerToken
	if len(s) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return s[:maxChars]
	}
	return s[:maxChars-3] + "..."
}
