package config

import "strings"

// Policy is a typed accessor over one merged configuration document,
// coercing looked-up values to number | boolean | string | string[] with
// defaults (§4.2).
type Policy struct {
	doc map[string]any
}

// PolicyFor wraps a merged document from Loader.Get.
func PolicyFor(doc map[string]any) Policy { return Policy{doc: doc} }

// lookup walks a dotted path ("stages.episodic.enabled") through nested maps.
func (p Policy) lookup(path string) (any, bool) {
	cur := any(p.doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func (p Policy) String(path, def string) string {
	v, ok := p.lookup(path)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func (p Policy) Bool(path string, def bool) bool {
	v, ok := p.lookup(path)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func (p Policy) Number(path string, def float64) float64 {
	v, ok := p.lookup(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func (p Policy) Int(path string, def int) int {
	return int(p.Number(path, float64(def)))
}

func (p Policy) StringSlice(path string, def []string) []string {
	v, ok := p.lookup(path)
	if !ok {
		return def
	}
	raw, ok := v.([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StringMapString reads a map[string]int at path (e.g. budgets:{name->tokens}).
func (p Policy) StringMapString(path string, def map[string]int) map[string]int {
	v, ok := p.lookup(path)
	if !ok {
		return def
	}
	m, ok := asMap(v)
	if !ok {
		return def
	}
	out := make(map[string]int, len(m))
	for k, val := range m {
		switch n := val.(type) {
		case float64:
			out[k] = int(n)
		case int:
			out[k] = n
		}
	}
	return out
}
