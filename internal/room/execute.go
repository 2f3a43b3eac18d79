package room

import (
	"github.com/manpreetbhatti/coderoom/backend/internal/execution"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
)

// ExecuteRequest runs FileID. Sources come from the client because the
// server cannot read CRDT content; the entry file's name, and so its
// language, is always taken from the room's replica.
type ExecuteRequest struct {
	FileID   string            `json:"fileId"`
	Language string            `json:"language,omitempty"`
	Files    []execution.File  `json:"files"`
	Options  execution.Options `json:"options"`
}

func (w *worker) execute(requesterID string, req ExecuteRequest) (string, error) {
	p, err := w.participant(requesterID)
	if err != nil {
		return "", err
	}
	if !w.session.Can(p, permission.Execute) {
		return "", denied(permission.Execute)
	}
	f, ok := w.session.File(req.FileID)
	if !ok {
		return "", newError(KindFileNotFound, "%s", req.FileID)
	}
	if w.m.executor == nil {
		return "", newError(KindInvalidRequest, "code execution is not available")
	}
	if !w.m.execLimiter.Allow(requesterID) {
		return "", newError(KindRateLimited, "too many executions")
	}

	exec, err := w.m.executor.Start(w.execCtx, execution.Request{
		RoomCode:    w.code,
		RequesterID: requesterID,
		FileID:      f.ID,
		EntryName:   f.Name,
		Language:    req.Language,
		Files:       req.Files,
		Options:     req.Options,
	}, func(ev execution.Event) {
		w.post(func() { w.executionEvent(requesterID, ev) })
	})
	if err != nil {
		return "", err
	}

	w.executions[exec.ID] = exec
	w.logger.Info().Str("participant", requesterID).Str("execution", exec.ID).Str("file", f.Name).Msg("execution started")
	return exec.ID, nil
}

// executionEvent turns runner progress into room broadcasts. Failures go
// to the requester alone.
func (w *worker) executionEvent(requesterID string, ev execution.Event) {
	payload := ExecutionPayload{Event: ev, RequesterID: w.hashOf(requesterID)}

	switch ev.Kind {
	case execution.EventStarted:
		w.broadcast(protocol.Must(protocol.ExecutionStarted, payload), "")
	case execution.EventStage:
		w.broadcast(protocol.Must(protocol.ExecutionStage, payload), "")
	case execution.EventData:
		w.broadcast(protocol.Must(protocol.ExecutionData, payload), "")
	case execution.EventCompleted:
		delete(w.executions, ev.ExecutionID)
		w.broadcast(protocol.Must(protocol.ExecutionCompleted, payload), "")
	case execution.EventError:
		delete(w.executions, ev.ExecutionID)
		w.sendTo(requesterID, protocol.Must(protocol.ExecutionError, payload))
	}
}

// ownedExecution returns a running execution started by participantID
func (w *worker) ownedExecution(participantID, executionID string) (*execution.Execution, error) {
	if _, err := w.participant(participantID); err != nil {
		return nil, err
	}
	exec, ok := w.executions[executionID]
	if !ok {
		return nil, &execution.Error{Kind: execution.KindNotRunning, Message: executionID}
	}
	if exec.RequesterID != participantID {
		return nil, newError(KindPermissionDenied, "execution belongs to another participant")
	}
	return exec, nil
}
