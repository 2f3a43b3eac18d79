package ws

import (
	"context"
	"errors"

	"github.com/manpreetbhatti/coderoom/backend/internal/awareness"
	"github.com/manpreetbhatti/coderoom/backend/internal/execution"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
	"github.com/manpreetbhatti/coderoom/backend/internal/room"
)

const codeInternal = "internal-error"

// Client to server payloads

type joinRequest struct {
	Nickname string `json:"nickname"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type updateFileRequest struct {
	FileID string `json:"fileId"`
	Update []byte `json:"update"`
}

type syncRequest struct {
	FileID      string `json:"fileId"`
	StateVector []byte `json:"stateVector,omitempty"`
}

type fileRequest struct {
	FileID string `json:"fileId,omitempty"`
	Name   string `json:"name,omitempty"`
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

type roleRequest struct {
	ParticipantID string `json:"participantId"`
	Role          string `json:"role"`
}

type claimRequest struct {
	Password string `json:"password,omitempty"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type stdinRequest struct {
	ExecutionID string `json:"executionId"`
	Data        string `json:"data"`
}

func invalid(err error) error {
	return &room.Error{Kind: room.KindInvalidRequest, Message: err.Error()}
}

// decode reads an optional payload; events without data decode to zero values
func decode(ev protocol.Event, v any) error {
	if len(ev.Data) == 0 {
		return nil
	}
	if err := ev.Decode(v); err != nil {
		return invalid(err)
	}
	return nil
}

// dispatch routes one client event to the room manager. Responses and
// broadcasts come back through Send; only failures are returned.
func (c *Client) dispatch(ctx context.Context, ev protocol.Event) error {
	m := c.hub.rooms
	code, id := c.code, c.participantID

	switch ev.Type {
	case protocol.Join:
		return &room.Error{Kind: room.KindInvalidRequest, Message: "already joined"}

	case protocol.Leave:
		return m.Leave(ctx, code, id)

	case protocol.UpdateFile:
		var req updateFileRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.ApplyRemoteUpdate(ctx, code, id, req.FileID, req.Update)

	case protocol.SyncRequest:
		var req syncRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.SyncRequest(ctx, code, id, req.FileID, req.StateVector)

	case protocol.UpdateAwareness:
		var fragment awareness.Fragment
		if err := decode(ev, &fragment); err != nil {
			return err
		}
		return m.ApplyRemoteAwareness(ctx, code, id, fragment)

	case protocol.CreateFile:
		var req fileRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		_, err := m.CreateFile(ctx, code, id, req.Name)
		return err

	case protocol.CheckFilename:
		var req fileRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		_, err := m.CheckFilename(ctx, code, id, req.Name, req.FileID)
		return err

	case protocol.RenameFile:
		var req fileRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.RenameFile(ctx, code, id, req.FileID, req.Name)

	case protocol.DeleteFile:
		var req fileRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.DeleteFile(ctx, code, id, req.FileID)

	case protocol.UpdateNickname:
		var req nicknameRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.UpdateNickname(ctx, code, id, req.Nickname)

	case protocol.UpdateRole:
		var req roleRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		role, err := permission.ParseRole(req.Role)
		if err != nil {
			return invalid(err)
		}
		return m.UpdateRole(ctx, code, id, req.ParticipantID, role)

	case protocol.ClaimHost:
		var req claimRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.ClaimHost(ctx, code, id, req.Password)

	case protocol.HostClaimAccept:
		return m.AcceptHostClaim(ctx, code, id)

	case protocol.HostClaimReject:
		return m.RejectHostClaim(ctx, code, id)

	case protocol.HostClaimCancel:
		return m.CancelHostClaim(ctx, code, id)

	case protocol.DestroyRoom:
		return m.Destroy(ctx, code, id)

	case protocol.ChatMessage:
		var req chatRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.SendChat(ctx, code, id, req.Text)

	case protocol.ExecuteCode:
		var req room.ExecuteRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		_, err := m.Execute(ctx, code, id, req)
		return err

	case protocol.ExecutionStdin:
		var req stdinRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.ExecutionInput(ctx, code, id, req.ExecutionID, req.Data)

	case protocol.ExecutionCancel:
		var req stdinRequest
		if err := decode(ev, &req); err != nil {
			return err
		}
		return m.CancelExecution(ctx, code, id, req.ExecutionID)
	}

	return &room.Error{Kind: room.KindInvalidRequest, Message: "unknown event " + ev.Type}
}

// errorPayload maps a failure onto a wire error code
func errorPayload(event string, err error) protocol.ErrorPayload {
	var roomErr *room.Error
	if errors.As(err, &roomErr) {
		message := roomErr.Message
		if message == "" {
			message = string(roomErr.Kind)
		}
		return protocol.ErrorPayload{Code: string(roomErr.Kind), Message: message, Event: event}
	}
	var execErr *execution.Error
	if errors.As(err, &execErr) {
		message := execErr.Message
		if message == "" {
			message = string(execErr.Kind)
		}
		return protocol.ErrorPayload{Code: string(execErr.Kind), Message: message, Event: event}
	}
	return protocol.ErrorPayload{Code: codeInternal, Message: "internal error", Event: event}
}
