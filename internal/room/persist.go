package room

import (
	"fmt"
	"time"

	"github.com/manpreetbhatti/coderoom/backend/internal/crdt"
	"github.com/manpreetbhatti/coderoom/backend/internal/db"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
)

// Store persists room records and replica snapshots. *db.Database
// satisfies it; a nil Store keeps rooms in memory only.
type Store interface {
	CreateRoom(room *db.Room) error
	GetRoom(code string) (*db.Room, error)
	RoomExists(code string) (bool, error)
	DeleteRoom(code string) error
	ListExpired(now time.Time, limit int) ([]string, error)
	SaveSnapshot(code string, snapshot []byte) error
	GetSnapshot(code string) ([]byte, error)
}

const stateVersion = 1

type persistedState struct {
	Version      uint8                  `cbor:"1,keyasint"`
	Participants []persistedParticipant `cbor:"2,keyasint"`
	Files        []persistedFile        `cbor:"3,keyasint"`
}

type persistedParticipant struct {
	ID       string `cbor:"1,keyasint"`
	Nickname string `cbor:"2,keyasint"`
	Role     string `cbor:"3,keyasint"`
	Color    string `cbor:"4,keyasint"`
	JoinedAt int64  `cbor:"5,keyasint"`
}

type persistedFile struct {
	ID        string `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint"`
	CreatedAt int64  `cbor:"3,keyasint"`
	Snapshot  []byte `cbor:"4,keyasint"`
}

func infoToRecord(info Info) *db.Room {
	return &db.Room{
		Code:             info.Code,
		Type:             string(info.Type),
		MaxParticipants:  info.MaxParticipants,
		PasswordHash:     info.PasswordHash,
		HostPasswordHash: info.HostPasswordHash,
		CreatedAt:        info.CreatedAt,
		ExpiresAt:        info.ExpiresAt,
	}
}

func infoFromRecord(r *db.Room) (Info, error) {
	roomType, err := permission.ParseRoomType(r.Type)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Code:             r.Code,
		Type:             roomType,
		MaxParticipants:  r.MaxParticipants,
		PasswordHash:     r.PasswordHash,
		HostPasswordHash: r.HostPasswordHash,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
	}, nil
}

// EncodeState serializes participants and files as compressed CBOR.
// Awareness is ephemeral and never persisted.
func (s *Session) EncodeState() ([]byte, error) {
	state := persistedState{Version: stateVersion}
	for _, id := range s.order {
		p := s.participants[id]
		state.Participants = append(state.Participants, persistedParticipant{
			ID:       p.ID,
			Nickname: p.Nickname,
			Role:     string(p.Role),
			Color:    p.Color,
			JoinedAt: p.JoinedAt.UnixMilli(),
		})
	}
	for _, f := range s.Files() {
		snap, err := f.Doc.EncodeSnapshot()
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", f.ID, err)
		}
		state.Files = append(state.Files, persistedFile{
			ID:        f.ID,
			Name:      f.Name,
			CreatedAt: f.CreatedAt.UnixMilli(),
			Snapshot:  snap,
		})
	}

	data, err := crdt.Marshal(state)
	if err != nil {
		return nil, err
	}
	return crdt.Compress(data), nil
}

// RestoreState loads a persisted state into an empty session. Everyone
// comes back offline.
func (s *Session) RestoreState(data []byte) error {
	raw, err := crdt.Decompress(data)
	if err != nil {
		return fmt.Errorf("decompressing state: %w", err)
	}
	var state persistedState
	if err := crdt.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}
	if state.Version != stateVersion {
		return fmt.Errorf("unsupported state version %d", state.Version)
	}

	for _, pp := range state.Participants {
		role, err := permission.ParseRole(pp.Role)
		if err != nil {
			return err
		}
		p := s.addParticipant(pp.ID, pp.Nickname, role, time.UnixMilli(pp.JoinedAt))
		p.Color = pp.Color
	}
	for _, pf := range state.Files {
		doc, err := s.newDoc(pf.Snapshot)
		if err != nil {
			return fmt.Errorf("loading %s: %w", pf.ID, err)
		}
		s.files[pf.ID] = &File{
			ID:        pf.ID,
			Name:      pf.Name,
			Kind:      KindForName(pf.Name),
			CreatedAt: time.UnixMilli(pf.CreatedAt),
			Doc:       doc,
		}
	}
	return nil
}
