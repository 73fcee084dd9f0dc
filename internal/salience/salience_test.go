package salience

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicSplitPreservesCodeFences(t *testing.T) {
	text := "Intro paragraph.\n\n```go\nfunc main() {}\n```\n\n- bullet one\n- bullet two\n"
	atoms := AtomicSplit(text)
	require.NotEmpty(t, atoms)
	var foundCode bool
	for _, a := range atoms {
		if a.IsCode {
			foundCode = true
			assert.True(t, strings.HasPrefix(a.Text, "```"))
		}
	}
	assert.True(t, foundCode)
}

func TestAtomicSplitHardCap(t *testing.T) {
	long := strings.Repeat("x", 10000)
	atoms := AtomicSplit(long)
	require.Len(t, atoms, 1)
	assert.LessOrEqual(t, len(atoms[0].Text), atomHardCap+10)
	assert.Contains(t, atoms[0].Text, " ... ")
}

func TestScoreSalienceEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, ScoreSalience("", SalienceOptions{}))
	assert.Equal(t, 0.0, ScoreSalience("   \n\t  ", SalienceOptions{}))
}

func TestScoreSalienceStructuralSignalsScoreHigher(t *testing.T) {
	plain := ScoreSalience("just some ordinary short text here", SalienceOptions{})
	withStack := ScoreSalience("Traceback (most recent call last):\n  at foo.bar()\npanic: nil pointer", SalienceOptions{})
	assert.Greater(t, withStack, plain)
}

func TestScoreSalienceInRange(t *testing.T) {
	s := ScoreSalience(strings.Repeat("decided to use EngineX endpoint schema payload ", 100), SalienceOptions{Tags: []string{"integration"}})
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestSummarizeIfLongKeepsAnchors(t *testing.T) {
	text := strings.Repeat("Some filler sentence without anchors. ", 200) + "See main.go for the fix. Error code ABCD-123 was logged."
	out := SummarizeIfLong(text, 50)
	assert.Contains(t, out, "main.go")
	assert.Contains(t, out, "ABCD-123")
	assert.Contains(t, out, "[anchors]")
}

func TestSummarizeIfLongNoopWhenShort(t *testing.T) {
	short := "short text"
	assert.Equal(t, short, SummarizeIfLong(short, 1000))
}

func TestRedactorReplacesMatches(t *testing.T) {
	r, err := NewRedactor([]string{`(?i)password\s*=\s*\S+`, `\b\d{3}-\d{2}-\d{4}\b`})
	require.NoError(t, err)
	out := r.Redact("password=hunter2 and SSN 123-45-6789")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "123-45-6789")
	assert.Contains(t, out, redactedSentinel)
}

func TestExtractFacts(t *testing.T) {
	facts := ExtractFacts("FeatureA introduced_in v1_0 and requires EngineX.")
	require.Len(t, facts, 2)
	assert.Equal(t, "FeatureA", facts[0].S)
	assert.Equal(t, "introduced_in", facts[0].P)
	assert.Equal(t, "v1_0", facts[0].O)
	assert.Equal(t, "requires", facts[1].P)
}
