package toolsurface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePlainObject(t *testing.T) {
	got, err := Normalize(map[string]any{"objective": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", got["objective"])
}

func TestNormalizeNestedParams(t *testing.T) {
	got, err := Normalize(map[string]any{"params": map[string]any{"objective": "y"}})
	require.NoError(t, err)
	assert.Equal(t, "y", got["objective"])
}

func TestNormalizeNestedArguments(t *testing.T) {
	got, err := Normalize(map[string]any{"arguments": map[string]any{"objective": "z"}})
	require.NoError(t, err)
	assert.Equal(t, "z", got["objective"])
}

func TestNormalizeJSONStringBody(t *testing.T) {
	got, err := Normalize(map[string]any{"body": `{"objective":"w"}`})
	require.NoError(t, err)
	assert.Equal(t, "w", got["objective"])
}

func TestNormalizeMetaEnvelope(t *testing.T) {
	got, err := Normalize(map[string]any{
		"_meta": map[string]any{"request": map[string]any{"params": map[string]any{"objective": "q"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "q", got["objective"])
}

func TestNormalizeRejectsNonObject(t *testing.T) {
	_, err := Normalize("not an object")
	assert.Error(t, err)
}
