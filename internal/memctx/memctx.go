// Package memctx manages Memora's active Context: the tenant/project/task
// envelope that downstream packages assume is present.
package memctx

import (
	"sync"

	"memora/internal/merrors"
	"memora/internal/model"
)

// Manager holds a single process-wide active Context behind a mutex.
// Operations mirror §4.1: set, ensure, get, clear.
type Manager struct {
	mu  sync.RWMutex
	cur *model.Context
}

// New returns an empty Manager. A zero Manager is also ready to use.
func New() *Manager { return &Manager{} }

// Set installs ctx as the active Context. ctx must carry tenant and project.
func (m *Manager) Set(ctx model.Context) error {
	if !ctx.Valid() {
		return merrors.New(merrors.BadArguments, "set_context requires tenant_id and project_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := ctx
	m.cur = &c
	return nil
}

// Ensure installs ctx only if no Context is currently active. It reports
// whether it created the Context (true) or left the existing one (false).
func (m *Manager) Ensure(ctx model.Context) (model.Context, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return *m.cur, false, nil
	}
	if !ctx.Valid() {
		return model.Context{}, false, merrors.New(merrors.BadArguments, "ensure_context requires tenant_id and project_id when unset")
	}
	c := ctx
	m.cur = &c
	return c, true, nil
}

// Get returns the active Context, failing with ContextMissing if unset.
func (m *Manager) Get() (model.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return model.Context{}, merrors.New(merrors.ContextMissing, "no active context")
	}
	return *m.cur, nil
}

// Clear removes the active Context.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = nil
}

// Resolve returns override if it is valid, otherwise the active Context,
// otherwise fallback (Memora's "documented default tenant/project" for
// retrieve). It fails with ContextMissing only when none of the three
// sources yields a valid Context.
func (m *Manager) Resolve(override *model.Context, fallback *model.Context) (model.Context, error) {
	if override != nil && override.Valid() {
		return *override, nil
	}
	if c, err := m.Get(); err == nil {
		if override != nil {
			merged := c
			if override.ContextID != "" {
				merged.ContextID = override.ContextID
			}
			if override.TaskID != "" {
				merged.TaskID = override.TaskID
			}
			if override.Env != "" {
				merged.Env = override.Env
			}
			if override.APIVersion != "" {
				merged.APIVersion = override.APIVersion
			}
			return merged, nil
		}
		return c, nil
	}
	if fallback != nil && fallback.Valid() {
		return *fallback, nil
	}
	return model.Context{}, merrors.New(merrors.ContextMissing, "no active context and no inline tenant/project")
}
