// Package protocol defines the real-time event envelope exchanged over the
// room socket. Every frame is a JSON object {"type", "data"}; binary
// payloads such as document fragments travel base64-encoded inside data.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client to server
const (
	Join            = "join"
	Leave           = "leave"
	UpdateFile      = "update-file"
	SyncRequest     = "sync-request"
	UpdateAwareness = "update-awareness"
	CreateFile      = "create-file"
	CheckFilename   = "check-filename"
	RenameFile      = "rename-file"
	DeleteFile      = "delete-file"
	UpdateNickname  = "update-nickname"
	UpdateRole      = "update-role"
	ClaimHost       = "claim-host"
	HostClaimAccept = "host-claim-accept"
	HostClaimReject = "host-claim-reject"
	HostClaimCancel = "host-claim-cancel"
	DestroyRoom     = "destroy-room"
	ChatMessage     = "chat-message"
	ExecuteCode     = "execute-code"
	ExecutionStdin  = "execution-stdin"
	ExecutionCancel = "execution-cancel"
)

// Server to client
const (
	Welcome                 = "welcome"
	RosterSnapshot          = "roster-snapshot"
	DocSnapshot             = "doc-snapshot"
	AwarenessSnapshot       = "awareness-snapshot"
	ParticipantJoined       = "participant-joined"
	ParticipantDisconnected = "participant-disconnected"
	ParticipantLeft         = "participant-left"
	UpdateParticipant       = "update-participant"
	HostTransferred         = "host-transferred"
	HostClaimRequest        = "host-claim-request"
	HostClaimFailed         = "host-claim-failed"
	SyncResponse            = "sync-response"
	RemoveAwareness         = "remove-awareness"
	FileCreated             = "file-created"
	FileRenamed             = "file-renamed"
	FileDeleted             = "file-deleted"
	FilenameChecked         = "filename-checked"
	ExecutionStarted        = "execution-started"
	ExecutionStage          = "execution-stage"
	ExecutionData           = "execution-data"
	ExecutionCompleted      = "execution-completed"
	ExecutionError          = "execution-error"
	RoomDestroyed           = "room-destroyed"
	RoomExpired             = "room-expired"
	Error                   = "error"
)

// Event is one frame on the socket
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload answers a failed client event. Event names the request that failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// New builds an event with a JSON-encoded payload
func New(eventType string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Data: data}, nil
}

// Must is New for payloads that cannot fail to encode
func Must(eventType string, payload any) Event {
	ev, err := New(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Encode returns the wire form of the event
func (e Event) Encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Data is already valid JSON and Type is a string
		panic(err)
	}
	return data
}

// Parse decodes a frame and validates the envelope
func Parse(frame []byte) (Event, error) {
	if len(frame) == 0 {
		return Event{}, fmt.Errorf("empty message")
	}
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("missing event type")
	}
	return ev, nil
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: invalid data: %w", e.Type, err)
	}
	return nil
}
