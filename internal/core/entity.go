package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EntityType names a bulk-transferable collection.
type EntityType string

const (
	EntityAudiobooks EntityType = "audiobooks"
	EntityCreators   EntityType = "creators"
	EntityUsers      EntityType = "users"
	EntityCategories EntityType = "categories"
	EntityAnalytics  EntityType = "analytics"
	EntityAuditLogs  EntityType = "audit_logs"
)

// FieldType is the expected data type of a column.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldDate
	FieldNumeric
	FieldBool
	FieldInt
	FieldUUID
	FieldTimestamp
)

func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldEnum:
		return "enum"
	case FieldDate:
		return "date"
	case FieldNumeric:
		return "numeric"
	case FieldBool:
		return "bool"
	case FieldInt:
		return "integer"
	case FieldUUID:
		return "uuid"
	case FieldTimestamp:
		return "timestamp"
	default:
		return "value"
	}
}

// FieldSpec describes one column of an entity.
type FieldSpec struct {
	Name       string              // Column name, lowercase snake_case
	Type       FieldType           // Expected data type
	Required   bool                // Column must be present and non-empty on import
	EnumValues []string            // Allowed values for FieldEnum
	Rules      string              // Extra validator tags checked against the converted value
	Normalizer func(string) string // Optional cleanup applied before conversion

	// Generated marks a key column that is filled in by the writer when the
	// import leaves it empty.
	Generated bool
}

// EntityDefinition describes an entity type for import and export.
type EntityDefinition struct {
	Type       EntityType
	Label      string
	Table      string   // Storage table name
	Key        []string // Columns identifying a record for upserts
	Fields     []FieldSpec
	Importable bool
	OrderBy    string // Column list giving exports a stable order
}

// Columns returns the field names in definition order.
func (d EntityDefinition) Columns() []string {
	cols := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Field returns the spec for a column.
func (d EntityDefinition) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// RequiredColumns lists columns an import file must carry.
func (d EntityDefinition) RequiredColumns() []string {
	var cols []string
	for _, f := range d.Fields {
		if f.Required {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

var (
	registry   = make(map[EntityType]EntityDefinition)
	registryMu sync.RWMutex
)

// Register adds an entity definition to the registry.
// Panics if the type is already registered or the definition is inconsistent.
func Register(def EntityDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Type]; exists {
		panic(fmt.Sprintf("entity already registered: %s", def.Type))
	}
	if len(def.Fields) == 0 || len(def.Key) == 0 {
		panic(fmt.Sprintf("entity %s: fields and key are required", def.Type))
	}
	for _, k := range def.Key {
		if _, ok := def.Field(k); !ok {
			panic(fmt.Sprintf("entity %s: key column %q is not a field", def.Type, k))
		}
	}
	if def.Table == "" {
		def.Table = string(def.Type)
	}
	if def.OrderBy == "" {
		def.OrderBy = strings.Join(def.Key, ", ")
	}

	registry[def.Type] = def
}

// Lookup returns the definition for an entity type.
func Lookup(t EntityType) (EntityDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[t]
	return def, ok
}

// Entities returns all registered definitions sorted by type.
func Entities() []EntityDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]EntityDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Type < result[j].Type
	})
	return result
}

// EntityCount returns the number of registered entity types.
func EntityCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}
