package domain

import (
	"maps"
	"time"
)

// StateSchemaVersion is the only state file version this build reads.
const StateSchemaVersion = 1

// PersistedState is the on-disk snapshot of markers and account health.
type PersistedState struct {
	SchemaVersion  int                      `json:"schema_version"`
	Entities       map[string]int64         `json:"entities"`
	AccountsHealth map[string]AccountHealth `json:"accounts_health"`
	SavedAt        time.Time                `json:"saved_at,omitempty"`
}

// NewPersistedState returns an empty state at the current schema version.
func NewPersistedState() PersistedState {
	return PersistedState{
		SchemaVersion:  StateSchemaVersion,
		Entities:       make(map[string]int64),
		AccountsHealth: make(map[string]AccountHealth),
	}
}

// Clone returns a deep copy.
func (s PersistedState) Clone() PersistedState {
	out := s
	out.Entities = maps.Clone(s.Entities)
	out.AccountsHealth = maps.Clone(s.AccountsHealth)
	if out.Entities == nil {
		out.Entities = make(map[string]int64)
	}
	if out.AccountsHealth == nil {
		out.AccountsHealth = make(map[string]AccountHealth)
	}
	return out
}
