// Package models provides data model definitions for the SyncBridge engine.
package models

import (
	"encoding/json"
	"fmt"
)

// EnvelopeSchemaVersion is the current envelope header version.
const EnvelopeSchemaVersion = 1

// ChangeEnvelope is the tagged payload format for queued mutations:
// a small common header plus an opaque, versioned blob per entity type.
// Adapters decode Data themselves; the engine never inspects it.
type ChangeEnvelope struct {
	EntityID        string          `json:"entity_id"`
	Operation       string          `json:"operation"`
	ClientTimestamp int64           `json:"client_timestamp"`
	SchemaVersion   int             `json:"schema_version"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// NewChangeEnvelope builds an envelope with the current schema version.
func NewChangeEnvelope(entityID, operation string, clientTimestamp int64, data json.RawMessage) *ChangeEnvelope {
	return &ChangeEnvelope{
		EntityID:        entityID,
		Operation:       operation,
		ClientTimestamp: clientTimestamp,
		SchemaVersion:   EnvelopeSchemaVersion,
		Data:            data,
	}
}

// Validate checks the envelope header. Delete operations may omit Data;
// create and update must carry it.
func (e *ChangeEnvelope) Validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("envelope missing entity_id")
	}
	switch e.Operation {
	case OperationCreate, OperationUpdate:
		if len(e.Data) == 0 {
			return fmt.Errorf("envelope missing data for %s", e.Operation)
		}
	case OperationDelete:
		// No data required.
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
	if e.SchemaVersion <= 0 {
		return fmt.Errorf("invalid schema_version %d", e.SchemaVersion)
	}
	return nil
}

// Encode serializes the envelope for storage in the change queue.
func (e *ChangeEnvelope) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a stored payload back into an envelope.
// Unknown future schema versions are preserved opaquely; callers decide
// whether to reject them.
func DecodeEnvelope(payload json.RawMessage) (*ChangeEnvelope, error) {
	var e ChangeEnvelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &e, nil
}
