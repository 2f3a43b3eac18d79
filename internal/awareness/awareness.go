// Package awareness keeps the ephemeral per-participant state of a room:
// cursor, selection and the file currently in view. Entries are owned by a
// single writer (the participant) and merged last-write-wins per field.
package awareness

import (
	"sort"
)

type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a cursor; Anchor == Head means nothing is selected
type Selection struct {
	Anchor Position `json:"anchor"`
	Head   Position `json:"head"`
}

// Fragment is a partial update of one participant's entry. Nil fields are
// left untouched. ClearCursor removes the cursor (e.g. editor lost focus).
type Fragment struct {
	ParticipantID string     `json:"participantId"`
	Clock         uint64     `json:"clock"`
	Cursor        *Selection `json:"cursor,omitempty"`
	ClearCursor   bool       `json:"clearCursor,omitempty"`
	ActiveFileID  *string    `json:"activeFileId,omitempty"`
}

// State is the merged view of one participant
type State struct {
	ParticipantID string     `json:"participantId"`
	Clock         uint64     `json:"clock"`
	Cursor        *Selection `json:"cursor,omitempty"`
	ActiveFileID  string     `json:"activeFileId,omitempty"`
}

type entry struct {
	cursor      *Selection
	cursorClock uint64
	activeFile  string
	activeClock uint64
	latestClock uint64
}

// Table is not safe for concurrent use; the room worker owns it
type Table struct {
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Apply merges a fragment from origin. The ParticipantID of the fragment is
// ignored so a participant can only ever write its own entry. The returned
// fragment carries only the fields that changed; changed is false when the
// fragment was stale or a duplicate.
func (t *Table) Apply(origin string, f Fragment) (Fragment, bool) {
	e, ok := t.entries[origin]
	if !ok {
		e = &entry{}
		t.entries[origin] = e
	}

	delta := Fragment{ParticipantID: origin, Clock: f.Clock}
	changed := false

	switch {
	case f.ClearCursor:
		if f.Clock >= e.cursorClock && e.cursor != nil {
			e.cursor = nil
			e.cursorClock = f.Clock
			delta.ClearCursor = true
			changed = true
		}
	case f.Cursor != nil:
		if f.Clock >= e.cursorClock && (e.cursor == nil || *e.cursor != *f.Cursor) {
			c := *f.Cursor
			e.cursor = &c
			e.cursorClock = f.Clock
			delta.Cursor = &c
			changed = true
		}
	}

	if f.ActiveFileID != nil && f.Clock >= e.activeClock && e.activeFile != *f.ActiveFileID {
		id := *f.ActiveFileID
		e.activeFile = id
		e.activeClock = f.Clock
		delta.ActiveFileID = &id
		changed = true
	}

	if f.Clock > e.latestClock {
		e.latestClock = f.Clock
	}

	if !ok && !changed {
		delete(t.entries, origin)
	}
	return delta, changed
}

// Set applies a partial state on behalf of a participant with the next clock
func (t *Table) Set(participantID string, partial Fragment) (Fragment, bool) {
	partial.Clock = 1
	if e, ok := t.entries[participantID]; ok {
		partial.Clock = e.latestClock + 1
	}
	return t.Apply(participantID, partial)
}

// Remove drops an entry and reports whether one existed
func (t *Table) Remove(participantID string) bool {
	if _, ok := t.entries[participantID]; !ok {
		return false
	}
	delete(t.entries, participantID)
	return true
}

// ClearFile drops ActiveFileID from entries pointing at a deleted file
func (t *Table) ClearFile(fileID string) []string {
	var affected []string
	for id, e := range t.entries {
		if e.activeFile == fileID {
			e.activeFile = ""
			e.cursor = nil
			affected = append(affected, id)
		}
	}
	sort.Strings(affected)
	return affected
}

func (t *Table) Get(participantID string) (State, bool) {
	e, ok := t.entries[participantID]
	if !ok {
		return State{}, false
	}
	return e.state(participantID), true
}

// Snapshot lists every entry ordered by participant id
func (t *Table) Snapshot() []State {
	states := make([]State, 0, len(t.entries))
	for id, e := range t.entries {
		states = append(states, e.state(id))
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].ParticipantID < states[j].ParticipantID
	})
	return states
}

func (t *Table) Len() int {
	return len(t.entries)
}

func (e *entry) state(id string) State {
	s := State{
		ParticipantID: id,
		Clock:         e.latestClock,
		ActiveFileID:  e.activeFile,
	}
	if e.cursor != nil {
		c := *e.cursor
		s.Cursor = &c
	}
	return s
}
