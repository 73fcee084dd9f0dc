package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDeepMerge(t *testing.T) {
	base := map[string]any{
		"a": 1,
		"b": map[string]any{"x": 1, "y": 2},
		"c": []any{1, 2},
	}
	override := map[string]any{
		"b": map[string]any{"y": 3, "z": 4},
		"c": []any{9},
	}
	merged := deepMerge(base, override)
	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, map[string]any{"x": 1, "y": 3, "z": 4}, merged["b"])
	assert.Equal(t, []any{9}, merged["c"])
}

func TestLoaderLayering(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", "stages:\n  episodic:\n    enabled: true\n    top_k: 20\n")
	override := writeFile(t, dir, "override.yaml", "stages:\n  episodic:\n    top_k: 5\n")

	l := NewLoader(map[Doc]Source{
		DocRetrieval: {BaseFile: base, OverrideFile: override, OverrideJSON: `{"stages":{"episodic":{"enabled":false}}}`},
	})

	doc, err := l.Get(DocRetrieval)
	require.NoError(t, err)
	p := PolicyFor(doc)
	assert.Equal(t, 5, p.Int("stages.episodic.top_k", -1))
	assert.False(t, p.Bool("stages.episodic.enabled", true))

	l.Reset()
	doc2, err := l.Get(DocRetrieval)
	require.NoError(t, err)
	assert.Equal(t, doc, doc2)
}

func TestPolicyDefaults(t *testing.T) {
	p := PolicyFor(map[string]any{})
	assert.Equal(t, "fallback", p.String("missing.path", "fallback"))
	assert.Equal(t, 60, p.Int("fusion.rrf_k", 60))
	assert.Equal(t, []string{"this_task", "project"}, p.StringSlice("scopes", []string{"this_task", "project"}))
}

func TestLoaderMissingSource(t *testing.T) {
	l := NewLoader(map[Doc]Source{})
	_, err := l.Get(DocMemory)
	assert.Error(t, err)
}
