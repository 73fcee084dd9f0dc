package packer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackRespectsGlobalBudget(t *testing.T) {
	sections := []Section{
		{Name: "system", Content: strings.Repeat("x", 4000)},
		{Name: "retrieved", Content: strings.Repeat("y", 4000)},
	}
	out := Pack(sections, Options{Limits: Limits{MaxTokens: 100}})
	assert.LessOrEqual(t, estimateTokens(out), 100+10) // headers add a little overhead
}

func TestPackHeaders(t *testing.T) {
	sections := []Section{{Name: "task", Content: "do the thing"}, {Name: "custom", Content: "x"}}
	out := Pack(sections, Options{Limits: Limits{MaxTokens: 1000}})
	assert.Contains(t, out, "## Task")
	assert.Contains(t, out, "## custom")
}

func TestRetrievedPreservesAnchors(t *testing.T) {
	content := "See main.go for details.\n" + strings.Repeat("filler words with no anchors at all ", 20)
	out := compressRetrieved(content, 20, Options{PreserveAnchors: true, MinTokensToSummarize: 5})
	assert.Contains(t, out, "main.go")
}

func TestRecentTurnsKeepsLastN(t *testing.T) {
	content := "t1---TURN---t2---TURN---t3"
	out := compressRecentTurns(content, 2)
	assert.NotContains(t, out, "t1")
	assert.Contains(t, out, "t2")
	assert.Contains(t, out, "t3")
}

func TestSectionOrderFollowsConfig(t *testing.T) {
	sections := []Section{
		{Name: "retrieved", Content: "r"},
		{Name: "system", Content: "s"},
	}
	out := Pack(sections, Options{Order: []string{"system", "retrieved"}, Limits: Limits{MaxTokens: 1000}})
	assert.True(t, strings.Index(out, "## System") < strings.Index(out, "## Retrieved Memory"))
}
