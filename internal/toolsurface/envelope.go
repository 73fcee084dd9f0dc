// Package toolsurface is Memora's tool-dispatch boundary (§6): a typed
// operation table plus an argument-envelope normalizer, so the core can be
// invoked uniformly regardless of which wrapper shape an external dispatcher
// hands it (plain object, single-nested params, JSON-string payload, or an
// SDK meta envelope).
package toolsurface

import (
	"encoding/json"

	"memora/internal/merrors"
)

// Normalize flattens any of the recognized argument envelopes down to a
// plain map[string]any, or fails with BadArguments.
func Normalize(raw any) (map[string]any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, merrors.New(merrors.BadArguments, "arguments must be an object")
	}

	if meta, ok := m["_meta"].(map[string]any); ok {
		if req, ok := meta["request"].(map[string]any); ok {
			if inner, err := unwrapParams(req); err == nil {
				return inner, nil
			}
		}
	}

	if inner, err := unwrapParams(m); err == nil {
		return inner, nil
	}

	for _, key := range []string{"body", "data", "params", "arguments"} {
		raw, ok := m[key].(string)
		if !ok {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, merrors.Wrap(merrors.BadArguments, "failed to decode JSON-string envelope field "+key, err)
		}
		return decoded, nil
	}

	return m, nil
}

// unwrapParams recognizes a single-nested {params|arguments: object} wrapper.
func unwrapParams(m map[string]any) (map[string]any, error) {
	for _, key := range []string{"params", "arguments"} {
		if v, ok := m[key]; ok {
			inner, ok := v.(map[string]any)
			if !ok {
				return nil, merrors.New(merrors.BadArguments, key+" envelope must be an object")
			}
			return inner, nil
		}
	}
	return nil, merrors.New(merrors.BadArguments, "no nested params/arguments envelope")
}
