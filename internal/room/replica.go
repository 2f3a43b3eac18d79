package room

import (
	"errors"

	"github.com/manpreetbhatti/coderoom/backend/internal/awareness"
	"github.com/manpreetbhatti/coderoom/backend/internal/crdt"
	"github.com/manpreetbhatti/coderoom/backend/internal/metrics"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
)

// applyUpdate merges a document fragment and rebroadcasts it to everyone
// but its origin. An empty originID marks a server-local update, which
// skips the capability check and goes to every participant. Duplicates
// are merged silently and return a nil event.
func (w *worker) applyUpdate(originID, fileID string, fragment []byte) (*protocol.Event, error) {
	var origin *Participant
	if originID != "" {
		p, err := w.participant(originID)
		if err != nil {
			return nil, err
		}
		if !w.session.Can(p, permission.Edit) {
			metrics.FragmentsRejected.WithLabelValues("permission").Inc()
			return nil, denied(permission.Edit)
		}
		origin = p
	}

	f, ok := w.session.File(fileID)
	if !ok {
		metrics.FragmentsRejected.WithLabelValues("file").Inc()
		return nil, newError(KindFileNotFound, "%s", fileID)
	}
	// duplicates cost nothing and must stay no-ops even near the cap
	if f.Doc.Has(fragment) {
		return nil, nil
	}
	if w.session.DocumentSize()+crdt.CompressedLen(fragment) > w.m.cfg.MaxDocumentBytes {
		metrics.FragmentsRejected.WithLabelValues("size").Inc()
		return nil, newError(KindDocumentTooLarge, "room documents exceed %d compressed bytes", w.m.cfg.MaxDocumentBytes)
	}

	changed, err := f.Doc.ApplyFragment(fragment)
	if err != nil {
		metrics.FragmentsRejected.WithLabelValues("malformed").Inc()
		if errors.Is(err, crdt.ErrFragmentTooLarge) {
			return nil, newError(KindDocumentTooLarge, "%v", err)
		}
		return nil, newError(KindInvalidRequest, "%v", err)
	}
	if !changed {
		return nil, nil
	}

	w.dirty = true
	metrics.FragmentsApplied.WithLabelValues("document").Inc()

	payload := UpdatePayload{FileID: fileID, Update: fragment}
	if origin != nil {
		payload.OriginID = origin.DisplayHash
	}
	ev := protocol.Must(protocol.UpdateFile, payload)
	w.broadcast(ev, originID)
	return &ev, nil
}

// syncFile answers a reconnecting client with what it is missing
func (w *worker) syncFile(participantID, fileID string, stateVector []byte) error {
	p, err := w.participant(participantID)
	if err != nil {
		return err
	}
	if !w.session.Can(p, permission.Read) {
		return denied(permission.Read)
	}
	f, ok := w.session.File(fileID)
	if !ok {
		return newError(KindFileNotFound, "%s", fileID)
	}

	diff, err := f.Doc.DiffSince(stateVector)
	if err != nil {
		return newError(KindInvalidRequest, "%v", err)
	}
	sv, err := f.Doc.StateVector()
	if err != nil {
		return err
	}
	w.sendTo(participantID, protocol.Must(protocol.SyncResponse, SyncResponsePayload{
		FileID:      fileID,
		Update:      diff,
		StateVector: sv,
	}))
	return nil
}

// applyRemoteAwareness merges a client's awareness fragment. The origin is
// always the connection's participant, never the claimed id. Only changed
// fields are rebroadcast, and never to the origin.
func (w *worker) applyRemoteAwareness(originID string, f awareness.Fragment) error {
	p, err := w.participant(originID)
	if err != nil {
		return err
	}
	delta, changed := w.session.awareness.Apply(originID, f)
	if !changed {
		return nil
	}
	metrics.FragmentsApplied.WithLabelValues("awareness").Inc()
	delta.ParticipantID = p.DisplayHash
	w.broadcast(protocol.Must(protocol.UpdateAwareness, delta), originID)
	return nil
}

// setLocalAwareness sets state on a participant's behalf. The participant
// did not originate it, so everyone hears it.
func (w *worker) setLocalAwareness(participantID string, partial awareness.Fragment) error {
	p, err := w.participant(participantID)
	if err != nil {
		return err
	}
	delta, changed := w.session.awareness.Set(participantID, partial)
	if !changed {
		return nil
	}
	delta.ParticipantID = p.DisplayHash
	w.broadcast(protocol.Must(protocol.UpdateAwareness, delta), "")
	return nil
}

func (w *worker) createFile(actorID, name string) (FileView, error) {
	p, err := w.participant(actorID)
	if err != nil {
		return FileView{}, err
	}
	if !w.session.Can(p, permission.CreateFile) {
		return FileView{}, denied(permission.CreateFile)
	}
	f, err := w.session.CreateFile(name, w.m.clock.Now())
	if err != nil {
		return FileView{}, err
	}

	w.dirty = true
	w.broadcast(protocol.Must(protocol.FileCreated, FilePayload{File: f.View(), ActorID: p.DisplayHash}), "")
	return f.View(), nil
}

func (w *worker) renameFile(actorID, fileID, name string) error {
	p, err := w.participant(actorID)
	if err != nil {
		return err
	}
	if !w.session.Can(p, permission.CreateFile) {
		return denied(permission.CreateFile)
	}
	f, ok := w.session.File(fileID)
	if !ok {
		return newError(KindFileNotFound, "%s", fileID)
	}
	previous := f.Name
	if previous == name {
		return nil
	}
	if _, err := w.session.RenameFile(fileID, name); err != nil {
		return err
	}

	w.dirty = true
	w.broadcast(protocol.Must(protocol.FileRenamed, FilePayload{File: f.View(), ActorID: p.DisplayHash, Previous: previous}), "")
	return nil
}

func (w *worker) deleteFile(actorID, fileID string) error {
	p, err := w.participant(actorID)
	if err != nil {
		return err
	}
	if !w.session.Can(p, permission.DeleteFile) {
		return denied(permission.DeleteFile)
	}
	f, ok := w.session.File(fileID)
	if !ok {
		return newError(KindFileNotFound, "%s", fileID)
	}
	view := f.View()
	cleared, err := w.session.DeleteFile(fileID)
	if err != nil {
		return err
	}

	hashes := make([]string, 0, len(cleared))
	for _, id := range cleared {
		hashes = append(hashes, w.hashOf(id))
	}
	w.dirty = true
	w.broadcast(protocol.Must(protocol.FileDeleted, FilePayload{File: view, ActorID: p.DisplayHash, Affected: hashes}), "")
	return nil
}

// checkFilename answers only the asker. fileID excludes a file being
// renamed from the uniqueness check.
func (w *worker) checkFilename(actorID, name, fileID string) (FilenameCheckPayload, error) {
	if _, err := w.participant(actorID); err != nil {
		return FilenameCheckPayload{}, err
	}

	result := FilenameCheckPayload{Name: name, Valid: true, Available: true}
	if err := w.session.CheckFilename(name, fileID); err != nil {
		switch KindOf(err) {
		case KindFileExists:
			result.Available = false
		default:
			result.Valid = false
		}
		var roomErr *Error
		if errors.As(err, &roomErr) {
			result.Reason = roomErr.Message
		}
	}
	w.sendTo(actorID, protocol.Must(protocol.FilenameChecked, result))
	return result, nil
}
