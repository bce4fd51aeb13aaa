package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskrecur/internal/model"
)

// Memory is an in-process Store. Reads and writes go through a single
// RWMutex; WithTx works on a cloned state that replaces the live one when fn
// succeeds.
type Memory struct {
	mu  sync.RWMutex
	st  *memState
	now func() time.Time
}

type memState struct {
	templates map[string]model.RecurringTemplate
	instances map[string]model.TaskInstance
	byKey     map[string]string // recurrence key -> instance id
}

func newMemState() *memState {
	return &memState{
		templates: make(map[string]model.RecurringTemplate),
		instances: make(map[string]model.TaskInstance),
		byKey:     make(map[string]string),
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.templates {
		out.templates[k] = v.Clone()
	}
	for k, v := range s.instances {
		out.instances[k] = v.Clone()
	}
	for k, v := range s.byKey {
		out.byKey[k] = v
	}
	return out
}

func NewMemory() *Memory {
	return &Memory{st: newMemState(), now: time.Now}
}

func (m *Memory) ops() memOps { return memOps{st: m.st, now: m.now} }

func (m *Memory) LoadTemplate(ctx context.Context, id string) (model.RecurringTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops().LoadTemplate(ctx, id)
}

func (m *Memory) ListTemplates(ctx context.Context) ([]model.RecurringTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops().ListTemplates(ctx)
}

func (m *Memory) CreateTemplate(ctx context.Context, t *model.RecurringTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops().CreateTemplate(ctx, t)
}

func (m *Memory) SaveTemplate(ctx context.Context, t *model.RecurringTemplate, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops().SaveTemplate(ctx, t, expectedVersion)
}

func (m *Memory) DeleteTemplate(ctx context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops().DeleteTemplate(ctx, id, expectedVersion)
}

func (m *Memory) LoadInstance(ctx context.Context, key string) (model.TaskInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops().LoadInstance(ctx, key)
}

func (m *Memory) LoadInstanceByID(ctx context.Context, id string) (model.TaskInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops().LoadInstanceByID(ctx, id)
}

func (m *Memory) ListInstancesBySource(ctx context.Context, templateID string) ([]model.TaskInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops().ListInstancesBySource(ctx, templateID)
}

func (m *Memory) SaveInstance(ctx context.Context, i *model.TaskInstance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops().SaveInstance(ctx, i, expectedVersion)
}

func (m *Memory) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops().DeleteInstance(ctx, id)
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	if err := fn(memOps{st: work, now: m.now}); err != nil {
		return err
	}
	m.st = work
	return nil
}

// memOps implements Store on a state the caller already holds exclusively.
type memOps struct {
	st  *memState
	now func() time.Time
}

func (o memOps) LoadTemplate(_ context.Context, id string) (model.RecurringTemplate, error) {
	t, ok := o.st.templates[id]
	if !ok {
		return model.RecurringTemplate{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t.Clone(), nil
}

func (o memOps) ListTemplates(context.Context) ([]model.RecurringTemplate, error) {
	out := make([]model.RecurringTemplate, 0, len(o.st.templates))
	for _, t := range o.st.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (o memOps) CreateTemplate(_ context.Context, t *model.RecurringTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("create template: empty id")
	}
	if _, ok := o.st.templates[t.ID]; ok {
		return fmt.Errorf("%w: template %s exists", ErrConflict, t.ID)
	}
	now := o.now().UTC()
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now
	o.st.templates[t.ID] = t.Clone()
	return nil
}

func (o memOps) SaveTemplate(_ context.Context, t *model.RecurringTemplate, expectedVersion int64) error {
	cur, ok := o.st.templates[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, t.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: template %s at version %d, expected %d", ErrConflict, t.ID, cur.Version, expectedVersion)
	}
	t.Version = expectedVersion + 1
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = o.now().UTC()
	o.st.templates[t.ID] = t.Clone()
	return nil
}

func (o memOps) DeleteTemplate(_ context.Context, id string, expectedVersion int64) error {
	cur, ok := o.st.templates[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: template %s at version %d, expected %d", ErrConflict, id, cur.Version, expectedVersion)
	}
	delete(o.st.templates, id)
	return nil
}

func (o memOps) LoadInstance(_ context.Context, key string) (model.TaskInstance, error) {
	id, ok := o.st.byKey[key]
	if !ok {
		return model.TaskInstance{}, fmt.Errorf("%w: key %s", ErrInstanceNotFound, key)
	}
	return o.st.instances[id].Clone(), nil
}

func (o memOps) LoadInstanceByID(_ context.Context, id string) (model.TaskInstance, error) {
	i, ok := o.st.instances[id]
	if !ok {
		return model.TaskInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return i.Clone(), nil
}

func (o memOps) ListInstancesBySource(_ context.Context, templateID string) ([]model.TaskInstance, error) {
	out := make([]model.TaskInstance, 0)
	for _, i := range o.st.instances {
		if i.SourceRecurringTaskID == templateID {
			out = append(out, i.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (o memOps) SaveInstance(_ context.Context, i *model.TaskInstance, expectedVersion int64) error {
	if i.ID == "" {
		return fmt.Errorf("save instance: empty id")
	}
	now := o.now().UTC()
	cur, exists := o.st.instances[i.ID]

	if i.RecurrenceInstanceKey != "" {
		if owner, ok := o.st.byKey[i.RecurrenceInstanceKey]; ok && owner != i.ID {
			return fmt.Errorf("%w: key %s owned by instance %s", ErrConflict, i.RecurrenceInstanceKey, owner)
		}
	}

	if expectedVersion == 0 {
		if exists {
			return fmt.Errorf("%w: instance %s exists", ErrConflict, i.ID)
		}
		i.CreatedAt = now
	} else {
		if !exists {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, i.ID)
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: instance %s at version %d, expected %d", ErrConflict, i.ID, cur.Version, expectedVersion)
		}
		i.CreatedAt = cur.CreatedAt
		if cur.RecurrenceInstanceKey != i.RecurrenceInstanceKey {
			delete(o.st.byKey, cur.RecurrenceInstanceKey)
		}
	}

	i.Version = expectedVersion + 1
	i.UpdatedAt = now
	o.st.instances[i.ID] = i.Clone()
	if i.RecurrenceInstanceKey != "" {
		o.st.byKey[i.RecurrenceInstanceKey] = i.ID
	}
	return nil
}

func (o memOps) DeleteInstance(_ context.Context, id string) error {
	cur, ok := o.st.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	delete(o.st.instances, id)
	if cur.RecurrenceInstanceKey != "" {
		delete(o.st.byKey, cur.RecurrenceInstanceKey)
	}
	return nil
}

// WithTx inside a transaction joins it.
func (o memOps) WithTx(_ context.Context, fn func(tx Store) error) error {
	return fn(o)
}
