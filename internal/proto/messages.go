package proto

import (
	"encoding/json"
	"fmt"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	typeEntityUpdate = "entityUpdate"
	typeHeartbeat    = "heartbeat"
	typeJoin         = "join"
)

// Outbound message type identifiers.
const (
	TypeEntityUpdate = typeEntityUpdate
	TypeHeartbeat    = typeHeartbeat
	TypeJoin         = typeJoin
)

// Client message type identifiers.
const (
	TypeClientHeartbeat = "heartbeat"
	TypeClientLeave     = "leave"
)

// MetadataType names the serializer for a metadata value.
type MetadataType string

const (
	MetadataByte   MetadataType = "byte"
	MetadataInt    MetadataType = "int"
	MetadataFloat  MetadataType = "float"
	MetadataString MetadataType = "string"
	MetadataBool   MetadataType = "bool"
)

// Metadata is one indexed value in an entity update.
type Metadata struct {
	Index uint8        `json:"index"`
	Type  MetadataType `json:"type"`
	Value any          `json:"value"`
}

// EntityUpdate carries a partial state change for one entity.
type EntityUpdate struct {
	Ver      int        `json:"ver"`
	Type     string     `json:"type"`
	EntityID string     `json:"entityId"`
	Tick     uint64     `json:"tick,omitempty"`
	Metadata []Metadata `json:"metadata"`
}

// NewEntityUpdate builds an update for entity with the given metadata.
func NewEntityUpdate(entity string, tick uint64, metadata ...Metadata) EntityUpdate {
	return EntityUpdate{
		Ver:      Version,
		Type:     typeEntityUpdate,
		EntityID: entity,
		Tick:     tick,
		Metadata: metadata,
	}
}

// Clone returns a copy whose metadata slice is independent of u.
func (u EntityUpdate) Clone() EntityUpdate {
	cloned := u
	if u.Metadata != nil {
		cloned.Metadata = append([]Metadata(nil), u.Metadata...)
	}
	return cloned
}

// Lookup returns the metadata stored at index.
func (u EntityUpdate) Lookup(index uint8) (Metadata, bool) {
	for _, entry := range u.Metadata {
		if entry.Index == index {
			return entry, true
		}
	}
	return Metadata{}, false
}

// EncodeEntityUpdate renders an entity update payload.
func EncodeEntityUpdate(update EntityUpdate) ([]byte, error) {
	if update.Type == "" {
		update.Type = typeEntityUpdate
	}
	if update.Ver == 0 {
		update.Ver = Version
	}
	data, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encode entity update %s: %w", update.EntityID, err)
	}
	return data, nil
}

// DecodeEntityUpdate parses an entity update payload.
func DecodeEntityUpdate(data []byte) (EntityUpdate, error) {
	var update EntityUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return EntityUpdate{}, fmt.Errorf("decode entity update: %w", err)
	}
	if update.Type != typeEntityUpdate {
		return EntityUpdate{}, fmt.Errorf("decode entity update: unexpected type %q", update.Type)
	}
	return update, nil
}

// JoinResponse is returned when a viewer registers.
type JoinResponse struct {
	Ver      int            `json:"ver"`
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Entities []EntityUpdate `json:"entities"`
}

// HeartbeatMessage acknowledges a client heartbeat.
type HeartbeatMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
}

// ClientMessage captures an inbound websocket message from a viewer.
type ClientMessage struct {
	Ver    int    `json:"ver,omitempty"`
	Type   string `json:"type"`
	SentAt int64  `json:"sentAt"`
}

// DecodeClientMessage parses a client payload.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	return msg, nil
}
