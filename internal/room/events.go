package room

import (
	"time"

	"github.com/manpreetbhatti/coderoom/backend/internal/awareness"
	"github.com/manpreetbhatti/coderoom/backend/internal/execution"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
)

// Payloads of server to client events. Participants are always named by
// their display hash.

type RoomView struct {
	Code               string              `json:"code"`
	Type               permission.RoomType `json:"type"`
	MaxParticipants    int                 `json:"maxParticipants"`
	HasPassword        bool                `json:"hasPassword"`
	HasHostPassword    bool                `json:"hasHostPassword"`
	CreatedAt          time.Time           `json:"createdAt"`
	ExpiresAt          time.Time           `json:"expiresAt"`
	HostClaimTimeoutMs int64               `json:"hostClaimTimeoutMs"`
}

type WelcomePayload struct {
	Room  RoomView        `json:"room"`
	You   ParticipantView `json:"you"`
	Token string          `json:"token,omitempty"`
}

type DocSnapshotPayload struct {
	Files []FileSnapshot `json:"files"`
}

type AwarenessSnapshotPayload struct {
	States []awareness.State `json:"states"`
}

type RosterPayload struct {
	Participants []ParticipantView `json:"participants"`
}

type ParticipantPayload struct {
	Participant ParticipantView `json:"participant"`
}

type ParticipantRef struct {
	ParticipantID string `json:"participantId"`
}

type NicknamePayload struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
}

type RolePayload struct {
	ParticipantID string          `json:"participantId"`
	Role          permission.Role `json:"role"`
	Permissions   []string        `json:"permissions"`
}

type HostTransferredPayload struct {
	PreviousHostID   string          `json:"previousHostId,omitempty"`
	PreviousHostRole permission.Role `json:"previousHostRole,omitempty"`
	NewHostID        string          `json:"newHostId"`
	Reason           string          `json:"reason"`
}

type HostClaimPayload struct {
	RequesterID       string    `json:"requesterId"`
	RequesterNickname string    `json:"requesterNickname"`
	IssuedAt          time.Time `json:"issuedAt"`
	TimeoutAt         time.Time `json:"timeoutAt"`
	Reason            string    `json:"reason,omitempty"`
}

type UpdatePayload struct {
	FileID   string `json:"fileId"`
	Update   []byte `json:"update"`
	OriginID string `json:"originId,omitempty"`
}

type SyncResponsePayload struct {
	FileID      string `json:"fileId"`
	Update      []byte `json:"update"`
	StateVector []byte `json:"stateVector"`
}

type FilePayload struct {
	File     FileView `json:"file"`
	ActorID  string   `json:"actorId,omitempty"`
	Previous string   `json:"previousName,omitempty"`
	Affected []string `json:"clearedAwareness,omitempty"`
}

type FilenameCheckPayload struct {
	Name      string `json:"name"`
	Valid     bool   `json:"valid"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type ChatPayload struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participantId"`
	Nickname      string    `json:"nickname"`
	Color         string    `json:"color"`
	Text          string    `json:"text"`
	SentAt        time.Time `json:"sentAt"`
}

type ExecutionPayload struct {
	execution.Event
	RequesterID string `json:"requesterId"`
}

type RoomClosedPayload struct {
	Code    string    `json:"code"`
	ActorID string    `json:"actorId,omitempty"`
	At      time.Time `json:"at"`
}
