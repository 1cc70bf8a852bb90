// internal/models/entity.go
package models

import (
	"encoding/json"
	"sort"
)

type EntityType string

const (
	EntityFactory   EntityType = "factory"
	EntitySupplier  EntityType = "supplier"
	EntityMaterial  EntityType = "material"
	EntityStatus    EntityType = "status"
	EntityProject   EntityType = "project"
	EntityBaseline  EntityType = "baseline"
	EntityTimeRange EntityType = "timeRange"
)

// DictionaryEntityTypes are the types recognized by dictionary lookup, in scan order.
var DictionaryEntityTypes = []EntityType{
	EntityFactory,
	EntitySupplier,
	EntityMaterial,
	EntityStatus,
	EntityProject,
	EntityBaseline,
}

// KnownEntityType reports whether t can be used as a parameter extraction source.
func KnownEntityType(t EntityType) bool {
	if t == EntityTimeRange {
		return true
	}
	for _, d := range DictionaryEntityTypes {
		if d == t {
			return true
		}
	}
	return false
}

// Entity is one recognized value. Value is the canonical form bound into
// queries; Term is the text that matched in the question.
type Entity struct {
	Value string `json:"value"`
	Term  string `json:"term"`
}

// EntityMap holds at most one entity per type. It has no mutators.
type EntityMap struct {
	m map[EntityType]Entity
}

// NewEntityMap copies m into a new EntityMap.
func NewEntityMap(m map[EntityType]Entity) EntityMap {
	cp := make(map[EntityType]Entity, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return EntityMap{m: cp}
}

func (e EntityMap) Get(t EntityType) (Entity, bool) {
	v, ok := e.m[t]
	return v, ok
}

func (e EntityMap) Has(t EntityType) bool {
	_, ok := e.m[t]
	return ok
}

func (e EntityMap) Len() int { return len(e.m) }

// Types returns the present entity types in sorted order.
func (e EntityMap) Types() []EntityType {
	out := make([]EntityType, 0, len(e.m))
	for k := range e.m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Values returns type -> canonical value, for logging and telemetry.
func (e EntityMap) Values() map[string]string {
	out := make(map[string]string, len(e.m))
	for k, v := range e.m {
		out[string(k)] = v.Value
	}
	return out
}

func (e EntityMap) MarshalJSON() ([]byte, error) {
	if e.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.m)
}
