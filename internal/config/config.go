// Package config loads Memora's three YAML-shaped policy documents
// (retrieval, memory, packing) with override layering: a base file, an
// optional override file, and an inline JSON override, deep-merged in that
// order of increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"memora/internal/merrors"
)

func init() {
	// Best effort: a missing .env is not an error, mirroring the teacher's
	// dev-convenience loading in internal/observability.
	_ = godotenv.Load()
}

// Doc names the three configuration documents Memora loads.
type Doc string

const (
	DocRetrieval Doc = "retrieval"
	DocMemory    Doc = "memory"
	DocPacking   Doc = "packing"
)

// Source points at where a Doc's layers come from.
type Source struct {
	BaseFile     string // required
	OverrideFile string // optional, env e.g. RETRIEVAL_OVERRIDES_FILE
	OverrideJSON string // optional inline JSON, env e.g. RETRIEVAL_OVERRIDES_JSON
}

// Loader lazily parses and caches one merged document per Doc. A reset hook
// is provided for tests, per §4.2 and §9's call-out on ambient config caches.
type Loader struct {
	mu      sync.RWMutex
	sources map[Doc]Source
	cache   map[Doc]map[string]any
}

// NewLoader builds a Loader from explicit sources, one per Doc.
func NewLoader(sources map[Doc]Source) *Loader {
	return &Loader{
		sources: sources,
		cache:   make(map[Doc]map[string]any),
	}
}

// NewLoaderFromEnv builds sources from the conventional env-var names:
// <PREFIX>_FILE, <PREFIX>_OVERRIDES_FILE, <PREFIX>_OVERRIDES_JSON, with
// PREFIX derived from the Doc name (e.g. RETRIEVAL, MEMORY, PACKING).
func NewLoaderFromEnv() *Loader {
	mk := func(prefix, defaultPath string) Source {
		base := os.Getenv(prefix + "_FILE")
		if base == "" {
			base = defaultPath
		}
		return Source{
			BaseFile:     base,
			OverrideFile: os.Getenv(prefix + "_OVERRIDES_FILE"),
			OverrideJSON: os.Getenv(prefix + "_OVERRIDES_JSON"),
		}
	}
	return NewLoader(map[Doc]Source{
		DocRetrieval: mk("RETRIEVAL", "config/retrieval.yaml"),
		DocMemory:    mk("MEMORY", "config/memory.yaml"),
		DocPacking:   mk("PACKING", "config/packing.yaml"),
	})
}

// Reset drops all cached documents, forcing the next Get to reparse.
// Exists for tests per §9 ("expose an explicit reset for tests").
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[Doc]map[string]any)
}

// Get returns the merged document for d, parsing and caching on first use.
func (l *Loader) Get(d Doc) (map[string]any, error) {
	l.mu.RLock()
	if v, ok := l.cache[d]; ok {
		l.mu.RUnlock()
		return v, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache[d]; ok {
		return v, nil
	}
	src, ok := l.sources[d]
	if !ok {
		return nil, merrors.New(merrors.ConfigInvalid, fmt.Sprintf("no source registered for config doc %q", d))
	}
	merged, err := loadLayered(src)
	if err != nil {
		return nil, err
	}
	l.cache[d] = merged
	return merged, nil
}

func loadLayered(src Source) (map[string]any, error) {
	base, err := readYAML(src.BaseFile)
	if err != nil {
		return nil, merrors.Wrap(merrors.ConfigInvalid, "base config file", err)
	}
	if src.OverrideFile != "" {
		ov, err := readYAML(src.OverrideFile)
		if err != nil {
			return nil, merrors.Wrap(merrors.ConfigInvalid, "override config file", err)
		}
		base = deepMerge(base, ov)
	}
	if src.OverrideJSON != "" {
		var ov map[string]any
		if err := json.Unmarshal([]byte(src.OverrideJSON), &ov); err != nil {
			return nil, merrors.Wrap(merrors.ConfigInvalid, "inline JSON override", err)
		}
		base = deepMerge(base, ov)
	}
	return base, nil
}

func readYAML(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// deepMerge merges override onto base: plain objects merge recursively,
// arrays and scalars replace (§4.2).
func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range override {
		if bv, ok := out[k]; ok {
			bm, bok := asMap(bv)
			om, ook := asMap(ov)
			if bok && ook {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = ov
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
