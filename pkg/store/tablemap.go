package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/loam/pkg/types"
)

// GlobalTableMapping is the persistence_globals key holding the mapping.
const GlobalTableMapping types.PersistenceGlobalKey = "TableMapping"

// TableEntry describes one table in the namespace. Number and Name are
// namespace metadata; Tablet is the stable storage identity rows are
// written under.
type TableEntry struct {
	Name      string         `json:"name"`
	Number    uint32         `json:"number"`
	Tablet    types.TabletID `json:"tablet"`
	ByIDIndex types.IndexID  `json:"by_id_index"`

	// Hidden tables exist in storage but not in the user namespace.
	// Imports stage into hidden tables until activation.
	Hidden bool `json:"hidden,omitempty"`
}

// IsSystemTableName reports whether a name is in the system namespace.
func IsSystemTableName(name string) bool {
	return strings.HasPrefix(name, "_")
}

// TableMapping is the live name ⇄ number ⇄ tablet mapping. It implements
// both resolver interfaces the schema checker needs.
type TableMapping struct {
	mu         sync.RWMutex
	byName     map[string]*TableEntry
	byTablet   map[types.TabletID]*TableEntry
	byNumber   map[uint32]*TableEntry
	nextNumber uint32
}

// NewTableMapping creates an empty mapping.
func NewTableMapping() *TableMapping {
	return &TableMapping{
		byName:     make(map[string]*TableEntry),
		byTablet:   make(map[types.TabletID]*TableEntry),
		byNumber:   make(map[uint32]*TableEntry),
		nextNumber: 1,
	}
}

// Create registers a new table and returns its entry.
func (m *TableMapping) Create(name string, hidden bool) (*TableEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !hidden {
		if _, exists := m.byName[name]; exists {
			return nil, fmt.Errorf("table already exists: %s", name)
		}
	}
	entry := &TableEntry{
		Name:      name,
		Number:    m.nextNumber,
		Tablet:    types.NewTabletID(),
		ByIDIndex: types.NewIndexID(),
		Hidden:    hidden,
	}
	m.nextNumber++
	m.insertLocked(entry)
	return entry, nil
}

func (m *TableMapping) insertLocked(entry *TableEntry) {
	if !entry.Hidden {
		m.byName[entry.Name] = entry
	}
	m.byTablet[entry.Tablet] = entry
	m.byNumber[entry.Number] = entry
}

// Lookup resolves a table by name, hidden tables excluded.
func (m *TableMapping) Lookup(name string) (*TableEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byName[name]
	return entry, ok
}

// LookupTablet resolves a table by its storage identity, hidden included.
func (m *TableMapping) LookupTablet(tablet types.TabletID) (*TableEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byTablet[tablet]
	return entry, ok
}

// Rename remaps a table name without touching storage.
func (m *TableMapping) Rename(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.byName[oldName]
	if !ok {
		return fmt.Errorf("table not found: %s", oldName)
	}
	if _, exists := m.byName[newName]; exists {
		return fmt.Errorf("table already exists: %s", newName)
	}
	delete(m.byName, oldName)
	entry.Name = newName
	m.byName[newName] = entry
	return nil
}

// Activate swaps a hidden staging table into the live namespace under the
// target name. The live table (if any) takes the staging table's place as
// hidden, keeping its rows reachable for cleanup. Numbers swap with the
// names, so the live name keeps its table number.
func (m *TableMapping) Activate(staging types.TabletID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.byTablet[staging]
	if !ok {
		return fmt.Errorf("staging table not found: %s", staging)
	}
	if !entry.Hidden {
		return fmt.Errorf("table %s is already active", entry.Name)
	}

	if live, exists := m.byName[name]; exists {
		live.Hidden = true
		delete(m.byName, name)
		entry.Number, live.Number = live.Number, entry.Number
		m.byNumber[entry.Number] = entry
		m.byNumber[live.Number] = live
	}
	entry.Hidden = false
	entry.Name = name
	m.byName[name] = entry
	return nil
}

// List returns the visible tables sorted by name.
func (m *TableMapping) List() []TableEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TableEntry, 0, len(m.byName))
	for _, entry := range m.byName {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TabletName implements schema.TableResolver. Hidden tables do not
// resolve; an id minted against a staging tablet is not a valid reference.
func (m *TableMapping) TabletName(tablet types.TabletID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byTablet[tablet]
	if !ok || entry.Hidden {
		return "", false
	}
	return entry.Name, true
}

// IsSystem implements schema.TableResolver.
func (m *TableMapping) IsSystem(name string) bool {
	return IsSystemTableName(name)
}

// NumberToName implements schema.TableNumberResolver.
func (m *TableMapping) NumberToName(n uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byNumber[n]
	if !ok || entry.Hidden {
		return "", false
	}
	return entry.Name, true
}

// Snapshot serializes the mapping for the persistence global.
func (m *TableMapping) Snapshot() (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]TableEntry, 0, len(m.byTablet))
	for _, entry := range m.byTablet {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Number < entries[j].Number })
	return json.Marshal(struct {
		Entries    []TableEntry `json:"entries"`
		NextNumber uint32       `json:"next_number"`
	}{Entries: entries, NextNumber: m.nextNumber})
}

// RestoreTableMapping rebuilds a mapping from its serialized form.
func RestoreTableMapping(raw json.RawMessage) (*TableMapping, error) {
	m := NewTableMapping()
	if raw == nil {
		return m, nil
	}
	var snapshot struct {
		Entries    []TableEntry `json:"entries"`
		NextNumber uint32       `json:"next_number"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode table mapping: %w", err)
	}
	for i := range snapshot.Entries {
		entry := snapshot.Entries[i]
		m.insertLocked(&entry)
	}
	m.nextNumber = snapshot.NextNumber
	if m.nextNumber == 0 {
		m.nextNumber = 1
	}
	return m, nil
}

// VirtualTableMapping names the virtual system tables exposed to user
// schemas without physical tablets of their own.
type VirtualTableMapping struct {
	byTablet map[types.TabletID]string
	byNumber map[uint32]string
}

// NewVirtualTableMapping creates an empty virtual mapping.
func NewVirtualTableMapping() *VirtualTableMapping {
	return &VirtualTableMapping{
		byTablet: make(map[types.TabletID]string),
		byNumber: make(map[uint32]string),
	}
}

// Register adds a virtual table.
func (m *VirtualTableMapping) Register(tablet types.TabletID, number uint32, name string) {
	m.byTablet[tablet] = name
	m.byNumber[number] = name
}

// TabletName implements schema.TableResolver.
func (m *VirtualTableMapping) TabletName(tablet types.TabletID) (string, bool) {
	name, ok := m.byTablet[tablet]
	return name, ok
}

// IsSystem implements schema.TableResolver.
func (m *VirtualTableMapping) IsSystem(name string) bool {
	return IsSystemTableName(name)
}

// NumberToName implements schema.TableNumberResolver.
func (m *VirtualTableMapping) NumberToName(n uint32) (string, bool) {
	name, ok := m.byNumber[n]
	return name, ok
}
