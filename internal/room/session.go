package room

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/coderoom/backend/internal/awareness"
	"github.com/manpreetbhatti/coderoom/backend/internal/crdt"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
)

// Info is the durable description of a room
type Info struct {
	Code             string
	Type             permission.RoomType
	MaxParticipants  int
	PasswordHash     []byte
	HostPasswordHash []byte
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

func (i Info) HasPassword() bool     { return len(i.PasswordHash) > 0 }
func (i Info) HasHostPassword() bool { return len(i.HostPasswordHash) > 0 }

type Presence string

const (
	Online  Presence = "online"
	Offline Presence = "offline"
)

type Participant struct {
	ID          string
	DisplayHash string
	Nickname    string
	Role        permission.Role
	Color       string
	Presence    Presence
	JoinedAt    time.Time
}

// ParticipantView is what other clients see. The private id never leaves
// the server; DisplayHash stands in for it on the wire.
type ParticipantView struct {
	ID          string          `json:"id"`
	Nickname    string          `json:"nickname"`
	Role        permission.Role `json:"role"`
	Color       string          `json:"color"`
	Presence    Presence        `json:"presence"`
	JoinedAt    time.Time       `json:"joinedAt"`
	Permissions []string        `json:"permissions"`
}

type File struct {
	ID        string
	Name      string
	Kind      FileKind
	CreatedAt time.Time
	Doc       crdt.Document
}

type FileView struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Kind FileKind `json:"kind"`
}

// FileSnapshot carries a file's full replica to a joining client
type FileSnapshot struct {
	FileView
	Snapshot []byte `json:"snapshot"`
}

// Session is the in-memory state of one room: participants, the document
// replica and the awareness table. It is owned by the room worker and is
// not safe for concurrent use.
type Session struct {
	Info Info

	participants map[string]*Participant
	byHash       map[string]string
	order        []string

	files     map[string]*File
	awareness *awareness.Table
	newDoc    crdt.Factory
}

func NewSession(info Info, newDoc crdt.Factory) *Session {
	if newDoc == nil {
		newDoc = crdt.LoadFragmentLog
	}
	return &Session{
		Info:         info,
		participants: make(map[string]*Participant),
		byHash:       make(map[string]string),
		files:        make(map[string]*File),
		awareness:    awareness.NewTable(),
		newDoc:       newDoc,
	}
}

func (s *Session) Permissions(p *Participant) permission.Set {
	return permission.For(p.Role, s.Info.Type)
}

func (s *Session) Can(p *Participant, c permission.Capability) bool {
	return s.Permissions(p).Has(c)
}

func (s *Session) View(p *Participant) ParticipantView {
	return ParticipantView{
		ID:          p.DisplayHash,
		Nickname:    p.Nickname,
		Role:        p.Role,
		Color:       p.Color,
		Presence:    p.Presence,
		JoinedAt:    p.JoinedAt,
		Permissions: s.Permissions(p).Names(),
	}
}

// AddParticipant registers a new, offline participant. Ids are drawn
// until their display hash is free in this room.
func (s *Session) AddParticipant(nickname string, role permission.Role, now time.Time) *Participant {
	id := newParticipantID()
	for {
		if _, taken := s.byHash[displayHash(s.Info.Code, id)]; !taken {
			break
		}
		id = newParticipantID()
	}
	return s.addParticipant(id, nickname, role, now)
}

func (s *Session) addParticipant(id, nickname string, role permission.Role, now time.Time) *Participant {
	p := &Participant{
		ID:          id,
		DisplayHash: displayHash(s.Info.Code, id),
		Nickname:    nickname,
		Role:        role,
		Color:       colorFor(s.usedColors()),
		Presence:    Offline,
		JoinedAt:    now,
	}
	s.participants[id] = p
	s.byHash[p.DisplayHash] = id
	s.order = append(s.order, id)
	return p
}

func (s *Session) Participant(id string) (*Participant, bool) {
	p, ok := s.participants[id]
	return p, ok
}

func (s *Session) ParticipantByHash(hash string) (*Participant, bool) {
	id, ok := s.byHash[hash]
	if !ok {
		return nil, false
	}
	return s.Participant(id)
}

func (s *Session) RemoveParticipant(id string) {
	p, ok := s.participants[id]
	if !ok {
		return
	}
	delete(s.participants, id)
	delete(s.byHash, p.DisplayHash)
	s.awareness.Remove(id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) ParticipantCount() int {
	return len(s.participants)
}

func (s *Session) OnlineCount() int {
	n := 0
	for _, p := range s.participants {
		if p.Presence == Online {
			n++
		}
	}
	return n
}

func (s *Session) Host() (*Participant, bool) {
	for _, id := range s.order {
		if p := s.participants[id]; p.Role == permission.RoleHost {
			return p, true
		}
	}
	return nil, false
}

// NextHost picks the successor for a departing host: the earliest joined
// participant, preferring one who is online.
func (s *Session) NextHost(exclude string) (*Participant, bool) {
	var fallback *Participant
	for _, id := range s.order {
		if id == exclude {
			continue
		}
		p := s.participants[id]
		if p.Presence == Online {
			return p, true
		}
		if fallback == nil {
			fallback = p
		}
	}
	return fallback, fallback != nil
}

// Roster lists participants in join order
func (s *Session) Roster() []ParticipantView {
	views := make([]ParticipantView, 0, len(s.order))
	for _, id := range s.order {
		views = append(views, s.View(s.participants[id]))
	}
	return views
}

func (s *Session) usedColors() []string {
	used := make([]string, 0, len(s.participants))
	for _, p := range s.participants {
		used = append(used, p.Color)
	}
	return used
}

// Awareness returns the table with private ids replaced by display hashes
func (s *Session) Awareness() []awareness.State {
	states := s.awareness.Snapshot()
	out := states[:0]
	for _, st := range states {
		p, ok := s.participants[st.ParticipantID]
		if !ok {
			continue
		}
		st.ParticipantID = p.DisplayHash
		out = append(out, st)
	}
	return out
}

func (s *Session) File(id string) (*File, bool) {
	f, ok := s.files[id]
	return f, ok
}

func (s *Session) FileByName(name string) (*File, bool) {
	for _, f := range s.files {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// CheckFilename validates a candidate name and that no other file uses it
func (s *Session) CheckFilename(name, exceptID string) error {
	if err := ValidateFilename(name); err != nil {
		return err
	}
	if f, ok := s.FileByName(name); ok && f.ID != exceptID {
		return newError(KindFileExists, "%q already exists", name)
	}
	return nil
}

func (s *Session) CreateFile(name string, now time.Time) (*File, error) {
	if err := s.CheckFilename(name, ""); err != nil {
		return nil, err
	}
	doc, err := s.newDoc(nil)
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	f := &File{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      KindForName(name),
		CreatedAt: now,
		Doc:       doc,
	}
	s.files[f.ID] = f
	return f, nil
}

func (s *Session) RenameFile(id, name string) (*File, error) {
	f, ok := s.files[id]
	if !ok {
		return nil, newError(KindFileNotFound, "%s", id)
	}
	if err := s.CheckFilename(name, id); err != nil {
		return nil, err
	}
	f.Name = name
	f.Kind = KindForName(name)
	return f, nil
}

// DeleteFile removes a file and returns the participants whose awareness
// pointed at it.
func (s *Session) DeleteFile(id string) ([]string, error) {
	if _, ok := s.files[id]; !ok {
		return nil, newError(KindFileNotFound, "%s", id)
	}
	delete(s.files, id)
	return s.awareness.ClearFile(id), nil
}

// Files lists files ordered by name
func (s *Session) Files() []*File {
	files := make([]*File, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// DocumentSize is the compressed size of the whole replica
func (s *Session) DocumentSize() int {
	total := 0
	for _, f := range s.files {
		total += f.Doc.CompressedSize()
	}
	return total
}

func (s *Session) DocSnapshot() ([]FileSnapshot, error) {
	files := s.Files()
	out := make([]FileSnapshot, 0, len(files))
	for _, f := range files {
		snap, err := f.Doc.EncodeSnapshot()
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", f.ID, err)
		}
		out = append(out, FileSnapshot{FileView: f.View(), Snapshot: snap})
	}
	return out, nil
}

func (f *File) View() FileView {
	return FileView{ID: f.ID, Name: f.Name, Kind: f.Kind}
}
