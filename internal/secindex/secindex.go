// Package secindex implements the global secondary index described in
// spec.md §3 (reserved "idx:<field>:<value>:<pk>" keys), grounded on
// original_source/database/clustering/global_index_manager.py and
// index_manager.py.
package secindex

import (
	"fmt"
	"sort"
	"sync"
)

// Key builds the reserved index-entry key for a (field, value, primary
// key) triple.
func Key(field, value, pk string) string {
	return fmt.Sprintf("idx:%s:%s:%s", field, value, pk)
}

// Manager holds index entries in memory for ListByIndex lookups. Entries
// are not written to the engine under the idx: keyspace, so they are not
// persisted, not replicated, and not rebuilt after a restart.
//
// indexFields and globalIndexFields both select fields to index, and the
// Manager indexes both the same way; IsGlobal only reports whether a field
// was configured in globalIndexFields (spec.md §6.4 "index_fields,
// global_index_fields").
type Manager struct {
	mu      sync.RWMutex
	entries map[string]map[string]map[string]struct{} // field -> value -> set(pk)

	indexFields       map[string]bool
	globalIndexFields map[string]bool
}

// New returns a Manager configured with the given local and global index
// fields.
func New(indexFields, globalIndexFields []string) *Manager {
	m := &Manager{
		entries:           map[string]map[string]map[string]struct{}{},
		indexFields:       toSet(indexFields),
		globalIndexFields: toSet(globalIndexFields),
	}
	return m
}

func toSet(fields []string) map[string]bool {
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// IsIndexed reports whether field is configured for indexing (locally or
// globally).
func (m *Manager) IsIndexed(field string) bool {
	return m.indexFields[field] || m.globalIndexFields[field]
}

// IsGlobal reports whether field is configured as a cluster-wide (as
// opposed to node-local) index.
func (m *Manager) IsGlobal(field string) bool {
	return m.globalIndexFields[field]
}

// Add records that pk has field=value, to be found by a later ListByIndex.
func (m *Manager) Add(field, value, pk string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[field] == nil {
		m.entries[field] = map[string]map[string]struct{}{}
	}
	if m.entries[field][value] == nil {
		m.entries[field][value] = map[string]struct{}{}
	}
	m.entries[field][value][pk] = struct{}{}
}

// Remove undoes a prior Add.
func (m *Manager) Remove(field, value, pk string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[field] == nil || m.entries[field][value] == nil {
		return
	}
	delete(m.entries[field][value], pk)
}

// List returns the sorted primary keys currently indexed under
// field=value (spec.md §6.2 "ListByIndex").
func (m *Manager) List(field, value string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pks := m.entries[field][value]
	out := make([]string, 0, len(pks))
	for pk := range pks {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}
