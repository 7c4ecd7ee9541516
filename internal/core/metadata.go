package core

import "encoding/json"

// Metadata is the per-row extension bag. The engine owns a handful of keys
// and round-trips everything else untouched, so downstream tooling can park
// its own annotations on entities and transactions without schema changes.
type Metadata struct {
	Aliases       []string               `json:"aliases,omitempty"`
	AccountNumber string                 `json:"account_number,omitempty"`
	IngestionID   string                 `json:"ingestion_id,omitempty"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	CustomFields  map[string]interface{} `json:"custom_fields,omitempty"`

	// extra holds unknown keys verbatim.
	extra map[string]json.RawMessage
}

var knownMetadataKeys = map[string]bool{
	"aliases":        true,
	"account_number": true,
	"ingestion_id":   true,
	"reasoning":      true,
	"custom_fields":  true,
}

// AddAlias records an alternative spelling, skipping duplicates.
// Returns true when the alias was new.
func (m *Metadata) AddAlias(name string) bool {
	if name == "" {
		return false
	}
	for _, a := range m.Aliases {
		if a == name {
			return false
		}
	}
	m.Aliases = append(m.Aliases, name)
	return true
}

// HasAlias reports whether the exact spelling is already recorded.
func (m *Metadata) HasAlias(name string) bool {
	for _, a := range m.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// Extension returns an unknown key preserved from ingestion, if any.
func (m *Metadata) Extension(key string) (json.RawMessage, bool) {
	v, ok := m.extra[key]
	return v, ok
}

// SetExtension stores a raw value under an unowned key.
func (m *Metadata) SetExtension(key string, value json.RawMessage) {
	if m.extra == nil {
		m.extra = make(map[string]json.RawMessage)
	}
	m.extra[key] = value
}

// metadataOwned mirrors the typed fields for two-pass decoding.
type metadataOwned struct {
	Aliases       []string               `json:"aliases,omitempty"`
	AccountNumber string                 `json:"account_number,omitempty"`
	IngestionID   string                 `json:"ingestion_id,omitempty"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	CustomFields  map[string]interface{} `json:"custom_fields,omitempty"`
}

// UnmarshalJSON decodes the owned keys into typed fields and keeps every
// other key as raw JSON.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var owned metadataOwned
	if err := json.Unmarshal(data, &owned); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	m.Aliases = owned.Aliases
	m.AccountNumber = owned.AccountNumber
	m.IngestionID = owned.IngestionID
	m.Reasoning = owned.Reasoning
	m.CustomFields = owned.CustomFields
	m.extra = nil
	for k, v := range all {
		if !knownMetadataKeys[k] {
			m.SetExtension(k, v)
		}
	}
	return nil
}

// MarshalJSON emits the owned keys plus all preserved extensions.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.extra)+5)
	for k, v := range m.extra {
		out[k] = v
	}
	owned, err := json.Marshal(metadataOwned{
		Aliases:       m.Aliases,
		AccountNumber: m.AccountNumber,
		IngestionID:   m.IngestionID,
		Reasoning:     m.Reasoning,
		CustomFields:  m.CustomFields,
	})
	if err != nil {
		return nil, err
	}
	var ownedMap map[string]json.RawMessage
	if err := json.Unmarshal(owned, &ownedMap); err != nil {
		return nil, err
	}
	for k, v := range ownedMap {
		out[k] = v
	}
	return json.Marshal(out)
}
