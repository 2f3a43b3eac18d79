package room

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/manpreetbhatti/coderoom/backend/internal/awareness"
	"github.com/manpreetbhatti/coderoom/backend/internal/crdt"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
)

func TestJoinSendsSnapshotThenAnnounces(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")

	want := []string{protocol.Welcome, protocol.DocSnapshot, protocol.AwarenessSnapshot, protocol.RosterSnapshot}
	got := alice.conn.types()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	var welcome WelcomePayload
	alice.conn.last(t, protocol.Welcome, &welcome)
	if welcome.You.Role != permission.RoleHost {
		t.Errorf("First member should be host, got %s", welcome.You.Role)
	}
	if welcome.Token == "" {
		t.Error("Expected a room token in the welcome")
	}
	if welcome.You.ID == alice.id {
		t.Error("Display id must not reveal the participant id")
	}

	bob := env.join(t, code, "bob")
	roles := env.roles(t, code)
	if roles[bob.hash] != permission.RoleEditor {
		t.Errorf("Quick rooms default to editor, got %s", roles[bob.hash])
	}

	var joined ParticipantPayload
	if !alice.conn.last(t, protocol.ParticipantJoined, &joined) || joined.Participant.ID != bob.hash {
		t.Error("Alice should hear that bob joined")
	}
	if bob.conn.count(protocol.ParticipantJoined) != 0 {
		t.Error("Joiner should not hear about itself")
	}
}

func TestCustomRoomDefaultsToViewer(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	if got := env.roles(t, code)[viewer.hash]; got != permission.RoleViewer {
		t.Errorf("Custom rooms default to viewer, got %s", got)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	tests := []struct {
		name string
		opts CreateOptions
	}{
		{"too few participants", CreateOptions{Type: permission.RoomCustom, MaxParticipants: 1}},
		{"too many participants", CreateOptions{Type: permission.RoomCustom, MaxParticipants: 151}},
		{"bad password", CreateOptions{Type: permission.RoomCustom, MaxParticipants: 5, Password: "not ok!"}},
		{"long host password", CreateOptions{Type: permission.RoomCustom, MaxParticipants: 5, HostPassword: "abcdefghijklmnopq"}},
		{"unknown type", CreateOptions{Type: "party"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.m.CreateRoom(env.ctx, tt.opts); KindOf(err) != KindInvalidRequest {
				t.Errorf("Expected invalid-request, got %v", err)
			}
		})
	}
}

// Capacity counts connected participants and reserved seats
func TestCapacity(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 2)
	alice := env.join(t, code, "alice")
	bob := env.join(t, code, "bob")

	status, err := env.m.Joinable(env.ctx, code)
	if err != nil || status.Status != JoinableFull {
		t.Fatalf("Expected FULL, got %+v (%v)", status, err)
	}
	if _, err := env.m.Join(env.ctx, code, Credentials{Nickname: "carol"}, &fakeConn{}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("Expected room-full, got %v", err)
	}

	if err := env.m.Disconnect(env.ctx, code, bob.id, bob.conn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	env.join(t, code, "carol")

	// a returning identity needs a free seat like anyone else
	if err := env.m.Disconnect(env.ctx, code, alice.id, alice.conn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	dave := env.join(t, code, "dave")
	if _, err := env.m.Join(env.ctx, code, Credentials{ParticipantID: alice.id}, &fakeConn{}); !errors.Is(err, ErrRoomFull) {
		t.Errorf("Returning participant should not overfill the room, got %v", err)
	}

	// replacing a live connection never needs a seat
	if _, err := env.m.Join(env.ctx, code, Credentials{ParticipantID: dave.id}, &fakeConn{}); err != nil {
		t.Errorf("Reconnecting an online participant should succeed, got %v", err)
	}

	// dave's first connection was replaced, so its disconnect frees nothing
	if err := env.m.Disconnect(env.ctx, code, dave.id, dave.conn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if _, err := env.m.Join(env.ctx, code, Credentials{ParticipantID: alice.id}, &fakeConn{}); !errors.Is(err, ErrRoomFull) {
		t.Errorf("Stale disconnect must not free a seat, got %v", err)
	}
}

func TestQuickRoomCapacityConfig(t *testing.T) {
	env, cleanup := setupManager(t, func(o *Options) {
		o.Config.QuickRoomCapacity = 2
	})
	defer cleanup()

	view, err := env.m.CreateRoom(env.ctx, CreateOptions{Type: permission.RoomQuick})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if view.MaxParticipants != 2 {
		t.Errorf("Expected quick room capacity 2, got %d", view.MaxParticipants)
	}
	env.join(t, view.Code, "alice")
	env.join(t, view.Code, "bob")
	if _, err := env.m.Join(env.ctx, view.Code, Credentials{Nickname: "carol"}, &fakeConn{}); !errors.Is(err, ErrRoomFull) {
		t.Errorf("Expected room-full, got %v", err)
	}
}

func TestAdmitReservesSeats(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 2)
	first, err := env.m.Admit(env.ctx, code, Credentials{Nickname: "ann"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	second, err := env.m.Admit(env.ctx, code, Credentials{Nickname: "ben"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if _, err := env.m.Admit(env.ctx, code, Credentials{Nickname: "cal"}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("Reserved seats should count against capacity, got %v", err)
	}
	if status, _ := env.m.Joinable(env.ctx, code); status.Status != JoinableFull {
		t.Errorf("Expected FULL with both seats reserved, got %s", status.Status)
	}
	if _, err := env.m.Join(env.ctx, code, Credentials{Nickname: "dan"}, &fakeConn{}); !errors.Is(err, ErrRoomFull) {
		t.Errorf("Socket join should respect reservations, got %v", err)
	}

	// holders of a reservation always get in
	for _, a := range []*Admission{first, second} {
		if _, err := env.m.Join(env.ctx, code, Credentials{ParticipantID: a.ParticipantID()}, &fakeConn{}); err != nil {
			t.Fatalf("Reserved participant should connect, got %v", err)
		}
	}
	if got := env.m.Stats().OnlineParticipants; got != 2 {
		t.Errorf("Expected 2 online, got %d", got)
	}
}

func TestSeatReservationLapses(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 2)
	idle, err := env.m.Admit(env.ctx, code, Credentials{Nickname: "idle"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	env.join(t, code, "live")

	env.clock.Advance(DefaultSeatReservation)
	env.join(t, code, "late")

	if _, err := env.m.Join(env.ctx, code, Credentials{ParticipantID: idle.ParticipantID()}, &fakeConn{}); !errors.Is(err, ErrRoomFull) {
		t.Errorf("A lapsed reservation should not hold a seat, got %v", err)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	for _, code := range []string{"ZZZZZZ", "bad", ""} {
		if _, err := env.m.Join(env.ctx, code, Credentials{Nickname: "x"}, &fakeConn{}); !errors.Is(err, ErrRoomNotFound) {
			t.Errorf("%q: expected room-not-found, got %v", code, err)
		}
	}
}

func TestPasswordAdmission(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.createRoom(t, CreateOptions{Type: permission.RoomCustom, MaxParticipants: 4, Password: "secret1"})

	tests := []struct {
		name     string
		password string
		want     error
	}{
		{"missing", "", ErrPasswordRequired},
		{"wrong", "nope", ErrInvalidPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.m.Join(env.ctx, code, Credentials{Nickname: "eve", Password: tt.password}, &fakeConn{})
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	admission, err := env.m.Admit(env.ctx, code, Credentials{Nickname: "ann", Password: "secret1"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	id, err := env.m.VerifyToken(code, admission.Token)
	if err != nil || id != admission.ParticipantID() {
		t.Fatalf("Token should resolve to the admitted participant, got %q (%v)", id, err)
	}
	if _, err := env.m.VerifyToken("OTHER1", admission.Token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Token must be bound to its room, got %v", err)
	}

	conn := &fakeConn{}
	if _, err := env.m.Join(env.ctx, code, Credentials{ParticipantID: id}, conn); err != nil {
		t.Fatalf("Token holder should join without a password: %v", err)
	}
	if _, err := env.m.Join(env.ctx, code, Credentials{ParticipantID: "forged"}, &fakeConn{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Unknown participant should be unauthorized, got %v", err)
	}
}

func TestInvalidNickname(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	_, err := env.m.Join(env.ctx, code, Credentials{Nickname: "sevenxx"}, &fakeConn{})
	if KindOf(err) != KindInvalidNickname {
		t.Errorf("Expected invalid-nickname, got %v", err)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")
	second := &fakeConn{}
	if _, err := env.m.Join(env.ctx, code, Credentials{ParticipantID: alice.id}, second); err != nil {
		t.Fatalf("Rejoin failed: %v", err)
	}
	if !alice.conn.isClosed() {
		t.Error("Old connection should be closed")
	}

	// the stale connection's disconnect must not flip presence
	env.m.Disconnect(env.ctx, code, alice.id, alice.conn)
	if status, _ := env.m.Joinable(env.ctx, code); status.Status != Joinable {
		t.Fatalf("Unexpected status %+v", status)
	}
	if env.m.Stats().OnlineParticipants != 1 {
		t.Errorf("Expected alice to stay online, got %d", env.m.Stats().OnlineParticipants)
	}
}

func TestDocumentFragments(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")
	bob := env.join(t, code, "bob")

	file, err := env.m.CreateFile(env.ctx, code, alice.id, "main.py")
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if !bob.conn.last(t, protocol.FileCreated, nil) {
		t.Error("Bob should hear about the new file")
	}
	alice.conn.reset()
	bob.conn.reset()

	fragment := []byte("insert 'print' at 0")
	if err := env.m.ApplyRemoteUpdate(env.ctx, code, alice.id, file.ID, fragment); err != nil {
		t.Fatalf("ApplyRemoteUpdate failed: %v", err)
	}

	var update UpdatePayload
	if !bob.conn.last(t, protocol.UpdateFile, &update) {
		t.Fatal("Bob should receive the fragment")
	}
	if string(update.Update) != string(fragment) || update.OriginID != alice.hash {
		t.Errorf("Unexpected update payload %+v", update)
	}
	if alice.conn.count(protocol.UpdateFile) != 0 {
		t.Error("Fragments must not echo back to their origin")
	}

	// applying the same fragment again changes nothing
	if err := env.m.ApplyRemoteUpdate(env.ctx, code, bob.id, file.ID, fragment); err != nil {
		t.Fatalf("Duplicate fragment failed: %v", err)
	}
	if alice.conn.count(protocol.UpdateFile) != 0 || bob.conn.count(protocol.UpdateFile) != 1 {
		t.Error("Duplicate fragment should not be rebroadcast")
	}

	// a late joiner converges from the snapshot alone
	carol := env.join(t, code, "carol")
	var docs DocSnapshotPayload
	carol.conn.last(t, protocol.DocSnapshot, &docs)
	if len(docs.Files) != 1 || docs.Files[0].Name != "main.py" {
		t.Fatalf("Unexpected snapshot files %+v", docs.Files)
	}
	replica, err := crdt.LoadFragmentLog(docs.Files[0].Snapshot)
	if err != nil {
		t.Fatalf("Snapshot should load: %v", err)
	}
	if applied, _ := replica.ApplyFragment(fragment); applied {
		t.Error("Late joiner's replica should already contain the fragment")
	}
}

func TestApplyLocalUpdateReachesEveryone(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")
	file, _ := env.m.CreateFile(env.ctx, code, alice.id, "a.txt")

	ev, err := env.m.ApplyLocalUpdate(env.ctx, code, file.ID, []byte{1, 2, 3})
	if err != nil || ev == nil {
		t.Fatalf("ApplyLocalUpdate failed: %v", err)
	}
	if !alice.conn.last(t, protocol.UpdateFile, nil) {
		t.Error("Server-local updates go to every participant")
	}
	if ev, _ := env.m.ApplyLocalUpdate(env.ctx, code, file.ID, []byte{1, 2, 3}); ev != nil {
		t.Error("Duplicate local update should return no event")
	}
}

// Viewer fragments are rejected and never reach anyone
func TestViewerEditRejected(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")
	file, err := env.m.CreateFile(env.ctx, code, host.id, "main.go")
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	host.conn.reset()

	err = env.m.ApplyRemoteUpdate(env.ctx, code, viewer.id, file.ID, []byte("sneaky"))
	if KindOf(err) != KindPermissionDenied {
		t.Fatalf("Expected permission-denied, got %v", err)
	}
	if host.conn.count(protocol.UpdateFile) != 0 {
		t.Error("Rejected fragment must not be broadcast")
	}

	late := env.join(t, code, "late")
	var docs DocSnapshotPayload
	late.conn.last(t, protocol.DocSnapshot, &docs)
	_, fragments, err := crdt.DecodeFragments(docs.Files[0].Snapshot)
	if err != nil || len(fragments) != 0 {
		t.Errorf("Rejected fragment must not be merged, got %d fragments (%v)", len(fragments), err)
	}
}

func TestDocumentSizeCap(t *testing.T) {
	env, cleanup := setupManager(t, func(o *Options) { o.Config.MaxDocumentBytes = 64 })
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")
	file, _ := env.m.CreateFile(env.ctx, code, alice.id, "big.txt")

	big := make([]byte, 256)
	if _, err := rand.Read(big); err != nil {
		t.Fatalf("rand: %v", err)
	}
	err := env.m.ApplyRemoteUpdate(env.ctx, code, alice.id, file.ID, big)
	if KindOf(err) != KindDocumentTooLarge {
		t.Errorf("Expected document-too-large, got %v", err)
	}
}

func TestDuplicateFragmentAtSizeCap(t *testing.T) {
	env, cleanup := setupManager(t, func(o *Options) { o.Config.MaxDocumentBytes = 1500 })
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")
	bob := env.join(t, code, "bob")
	file, _ := env.m.CreateFile(env.ctx, code, alice.id, "big.txt")

	fragment := make([]byte, 1000)
	if _, err := rand.Read(fragment); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if err := env.m.ApplyRemoteUpdate(env.ctx, code, alice.id, file.ID, fragment); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}

	// the room is now too full for another copy of the same bytes
	for _, sender := range []*member{alice, bob} {
		if err := env.m.ApplyRemoteUpdate(env.ctx, code, sender.id, file.ID, fragment); err != nil {
			t.Errorf("Re-sending a merged fragment should be a no-op, got %v", err)
		}
	}
	if n := bob.conn.count(protocol.UpdateFile); n != 1 {
		t.Errorf("Duplicate should not be rebroadcast, bob saw %d updates", n)
	}

	fresh := make([]byte, 1000)
	rand.Read(fresh)
	if err := env.m.ApplyRemoteUpdate(env.ctx, code, bob.id, file.ID, fresh); KindOf(err) != KindDocumentTooLarge {
		t.Errorf("New content past the cap should be refused, got %v", err)
	}
}

func TestSyncRequest(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")
	file, _ := env.m.CreateFile(env.ctx, code, alice.id, "main.rs")
	env.m.ApplyRemoteUpdate(env.ctx, code, alice.id, file.ID, []byte("one"))

	if err := env.m.SyncRequest(env.ctx, code, alice.id, file.ID, nil); err != nil {
		t.Fatalf("SyncRequest failed: %v", err)
	}
	var first SyncResponsePayload
	alice.conn.last(t, protocol.SyncResponse, &first)

	env.m.ApplyRemoteUpdate(env.ctx, code, alice.id, file.ID, []byte("two"))
	if err := env.m.SyncRequest(env.ctx, code, alice.id, file.ID, first.StateVector); err != nil {
		t.Fatalf("SyncRequest failed: %v", err)
	}
	var second SyncResponsePayload
	alice.conn.last(t, protocol.SyncResponse, &second)

	base, fragments, err := crdt.DecodeFragments(second.Update)
	if err != nil {
		t.Fatalf("Diff should decode: %v", err)
	}
	if base != 1 || len(fragments) != 1 || string(fragments[0]) != "two" {
		t.Errorf("Expected only the missing fragment, got base %d %q", base, fragments)
	}

	if err := env.m.SyncRequest(env.ctx, code, alice.id, "missing", nil); KindOf(err) != KindFileNotFound {
		t.Errorf("Expected file-not-found, got %v", err)
	}
}

func TestAwarenessEchoSuppressionAndOrigin(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	alice := env.join(t, code, "alice")
	bob := env.join(t, code, "bob")
	alice.conn.reset()
	bob.conn.reset()

	// bob is a viewer; awareness needs no capability. The claimed id is ignored.
	cursor := &awareness.Selection{Head: awareness.Position{Line: 3, Column: 1}}
	err := env.m.ApplyRemoteAwareness(env.ctx, code, bob.id, awareness.Fragment{ParticipantID: alice.hash, Clock: 1, Cursor: cursor})
	if err != nil {
		t.Fatalf("ApplyRemoteAwareness failed: %v", err)
	}

	var delta awareness.Fragment
	if !alice.conn.last(t, protocol.UpdateAwareness, &delta) {
		t.Fatal("Alice should receive bob's cursor")
	}
	if delta.ParticipantID != bob.hash {
		t.Errorf("Origin must be stamped by the server, got %q", delta.ParticipantID)
	}
	if bob.conn.count(protocol.UpdateAwareness) != 0 {
		t.Error("Awareness must not echo back to its origin")
	}

	// idempotent: the same fragment produces no further broadcast
	env.m.ApplyRemoteAwareness(env.ctx, code, bob.id, awareness.Fragment{Clock: 1, Cursor: cursor})
	if alice.conn.count(protocol.UpdateAwareness) != 1 {
		t.Error("Duplicate awareness should not be rebroadcast")
	}

	// local state goes to everyone, including the participant
	active := "file-1"
	if err := env.m.SetLocalState(env.ctx, code, alice.id, awareness.Fragment{ActiveFileID: &active}); err != nil {
		t.Fatalf("SetLocalState failed: %v", err)
	}
	if !alice.conn.last(t, protocol.UpdateAwareness, nil) || bob.conn.count(protocol.UpdateAwareness) != 1 {
		t.Error("Local awareness should reach every participant")
	}
}

func TestDisconnectRemovesAwarenessBeforePresence(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")
	bob := env.join(t, code, "bob")

	env.m.ApplyRemoteAwareness(env.ctx, code, bob.id, awareness.Fragment{Clock: 1, Cursor: &awareness.Selection{}})
	alice.conn.reset()

	if err := env.m.Disconnect(env.ctx, code, bob.id, bob.conn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	got := alice.conn.types()
	if len(got) != 2 || got[0] != protocol.RemoveAwareness || got[1] != protocol.ParticipantDisconnected {
		t.Errorf("Expected remove-awareness then participant-disconnected, got %v", got)
	}

	// a rejoin restores presence with an awareness table that no longer has bob
	rejoin := &fakeConn{}
	env.m.Join(env.ctx, code, Credentials{ParticipantID: bob.id}, rejoin)
	var snap AwarenessSnapshotPayload
	rejoin.last(t, protocol.AwarenessSnapshot, &snap)
	if len(snap.States) != 0 {
		t.Errorf("Awareness should be cleared on disconnect, got %+v", snap.States)
	}
	if !alice.conn.last(t, protocol.UpdateParticipant, nil) {
		t.Error("Alice should see bob come back online")
	}
}

// An unanswered claim is granted when the countdown elapses
func TestHostClaimTimeoutAutoAccepts(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	if err := env.m.ClaimHost(env.ctx, code, viewer.id, ""); err != nil {
		t.Fatalf("ClaimHost failed: %v", err)
	}
	var request HostClaimPayload
	if !host.conn.last(t, protocol.HostClaimRequest, &request) {
		t.Fatal("Host should be asked")
	}
	if request.RequesterID != viewer.hash || !request.TimeoutAt.Equal(testEpoch.Add(DefaultHostClaimTimeout)) {
		t.Errorf("Unexpected claim %+v", request)
	}
	if err := env.m.ClaimHost(env.ctx, code, viewer.id, ""); KindOf(err) != KindClaimAlreadyPending {
		t.Errorf("Expected claim-already-pending, got %v", err)
	}

	env.clock.Advance(DefaultHostClaimTimeout - time.Second)
	env.barrier(t, code)
	if host.conn.count(protocol.HostTransferred) != 0 {
		t.Fatal("Claim resolved too early")
	}

	env.clock.Advance(time.Second)
	env.barrier(t, code)

	var transferred HostTransferredPayload
	if !host.conn.last(t, protocol.HostTransferred, &transferred) {
		t.Fatal("Expected host-transferred broadcast")
	}
	if transferred.NewHostID != viewer.hash || transferred.PreviousHostID != host.hash || transferred.Reason != reasonTimeout {
		t.Errorf("Unexpected transfer %+v", transferred)
	}
	if !viewer.conn.last(t, protocol.HostClaimAccept, nil) {
		t.Error("Requester should be told the claim was accepted")
	}

	roles := env.roles(t, code)
	if roles[viewer.hash] != permission.RoleHost || roles[host.hash] != permission.RoleEditor {
		t.Errorf("Requester should be host and the prior host an editor, got %v", roles)
	}
	if countHosts(roles) != 1 {
		t.Errorf("Expected exactly one host, got %v", roles)
	}
}

func TestHostClaimTimeoutWithoutAutoAccept(t *testing.T) {
	env, cleanup := setupManager(t, func(o *Options) { o.Config.HostClaimAutoAccept = false })
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	env.m.ClaimHost(env.ctx, code, viewer.id, "")
	env.clock.Advance(DefaultHostClaimTimeout)
	env.barrier(t, code)

	var reject HostClaimPayload
	if !viewer.conn.last(t, protocol.HostClaimReject, &reject) || reject.Reason != reasonTimeout {
		t.Errorf("Requester should be told the claim timed out, got %+v", reject)
	}
	if !host.conn.last(t, protocol.HostClaimCancel, nil) {
		t.Error("Host prompt should be withdrawn")
	}
	if env.roles(t, code)[host.hash] != permission.RoleHost {
		t.Error("Host should keep the role")
	}
}

func TestHostClaimAcceptRejectCancel(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	t.Run("reject notifies only the requester", func(t *testing.T) {
		env.m.ClaimHost(env.ctx, code, viewer.id, "")
		if err := env.m.RejectHostClaim(env.ctx, code, viewer.id); KindOf(err) != KindPermissionDenied {
			t.Errorf("Requester cannot resolve its own claim, got %v", err)
		}
		host.conn.reset()
		if err := env.m.RejectHostClaim(env.ctx, code, host.id); err != nil {
			t.Fatalf("Reject failed: %v", err)
		}
		if !viewer.conn.last(t, protocol.HostClaimReject, nil) {
			t.Error("Requester should hear the rejection")
		}
		if len(host.conn.types()) != 0 {
			t.Errorf("Host should receive nothing, got %v", host.conn.types())
		}
		// the stale timer must not fire a transfer later
		env.clock.Advance(DefaultHostClaimTimeout)
		env.barrier(t, code)
		if host.conn.count(protocol.HostTransferred) != 0 {
			t.Error("Rejected claim should not transfer on timeout")
		}
	})

	t.Run("cancel withdraws the prompt", func(t *testing.T) {
		env.m.ClaimHost(env.ctx, code, viewer.id, "")
		if err := env.m.CancelHostClaim(env.ctx, code, host.id); KindOf(err) != KindNoPendingClaim {
			t.Errorf("Only the requester can cancel, got %v", err)
		}
		if err := env.m.CancelHostClaim(env.ctx, code, viewer.id); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		if !host.conn.last(t, protocol.HostClaimCancel, nil) {
			t.Error("Host should see the claim withdrawn")
		}
	})

	t.Run("accept demotes the prior host to editor", func(t *testing.T) {
		env.m.ClaimHost(env.ctx, code, viewer.id, "")
		if err := env.m.AcceptHostClaim(env.ctx, code, host.id); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		roles := env.roles(t, code)
		if roles[viewer.hash] != permission.RoleHost || countHosts(roles) != 1 {
			t.Errorf("Unexpected roles %v", roles)
		}
		if roles[host.hash] != permission.RoleEditor {
			t.Errorf("Prior host of a custom room should become editor, got %s", roles[host.hash])
		}
		var transferred HostTransferredPayload
		if !host.conn.last(t, protocol.HostTransferred, &transferred) || transferred.PreviousHostRole != permission.RoleEditor {
			t.Errorf("Transfer should announce the demotion, got %+v", transferred)
		}
		if err := env.m.AcceptHostClaim(env.ctx, code, viewer.id); KindOf(err) != KindNoPendingClaim {
			t.Errorf("Expected no-pending-claim, got %v", err)
		}
	})
}

func TestHostDisconnectWhilePendingAutoAccepts(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	env.m.ClaimHost(env.ctx, code, viewer.id, "")
	if err := env.m.Disconnect(env.ctx, code, host.id, host.conn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	var transferred HostTransferredPayload
	if !viewer.conn.last(t, protocol.HostTransferred, &transferred) || transferred.Reason != reasonHostDisconnected {
		t.Fatalf("Expected immediate transfer, got %+v", transferred)
	}
	roles := env.roles(t, code)
	if countHosts(roles) != 1 || roles[host.hash] != permission.RoleEditor {
		t.Errorf("Expected one host and the prior host as editor, got %v", roles)
	}
	if env.clock.Pending() != 1 {
		t.Errorf("Only the expiry timer should remain, got %d", env.clock.Pending())
	}
}

func TestHostClaimWithOfflineHost(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")
	env.m.Disconnect(env.ctx, code, host.id, host.conn)

	if err := env.m.ClaimHost(env.ctx, code, viewer.id, ""); err != nil {
		t.Fatalf("ClaimHost failed: %v", err)
	}
	if env.roles(t, code)[viewer.hash] != permission.RoleHost {
		t.Error("Claim against an offline host should be granted at once")
	}
}

func TestHostPassword(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.createRoom(t, CreateOptions{Type: permission.RoomCustom, MaxParticipants: 5, HostPassword: "hostpw"})
	env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	if err := env.m.ClaimHost(env.ctx, code, viewer.id, "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Expected invalid-password, got %v", err)
	}
	if err := env.m.ClaimHost(env.ctx, code, viewer.id, "hostpw"); err != nil {
		t.Errorf("Correct host password should open a claim, got %v", err)
	}
}

func TestHostLeavePassesToEarliestOnline(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	offline := env.join(t, code, "off")
	online := env.join(t, code, "on")
	env.m.Disconnect(env.ctx, code, offline.id, offline.conn)

	if err := env.m.Leave(env.ctx, code, host.id); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if !host.conn.isClosed() {
		t.Error("Leaving closes the connection")
	}

	roles := env.roles(t, code)
	if roles[online.hash] != permission.RoleHost {
		t.Errorf("Earliest online participant should become host, got %v", roles)
	}
	if _, ok := roles[host.hash]; ok {
		t.Error("Departed host should be gone from the roster")
	}
	if countHosts(roles) != 1 {
		t.Errorf("Expected one host, got %v", roles)
	}
	if !online.conn.last(t, protocol.ParticipantLeft, nil) {
		t.Error("Expected participant-left broadcast")
	}
}

// Destroy announces, evicts, then the room is gone
func TestDestroy(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	if err := env.m.Destroy(env.ctx, code, viewer.id); KindOf(err) != KindPermissionDenied {
		t.Fatalf("Viewer cannot destroy, got %v", err)
	}
	if err := env.m.Destroy(env.ctx, code, host.id); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	types := viewer.conn.types()
	if types[len(types)-1] != protocol.RoomDestroyed {
		t.Errorf("room-destroyed should be the final event, got %v", types)
	}
	if !viewer.conn.isClosed() || !host.conn.isClosed() {
		t.Error("Connections should be released after the announcement")
	}

	if _, err := env.m.Join(env.ctx, code, Credentials{Nickname: "late"}, &fakeConn{}); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Late join should get room-not-found, got %v", err)
	}
	if status, _ := env.m.Joinable(env.ctx, code); status.Status != JoinableNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", status.Status)
	}
	if err := env.m.Destroy(env.ctx, code, host.id); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Second destroy should find nothing, got %v", err)
	}
}

func TestQuickRoomEditorCanDestroy(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	env.join(t, code, "host")
	editor := env.join(t, code, "edit")
	if err := env.m.Destroy(env.ctx, code, editor.id); err != nil {
		t.Errorf("Quick room editors may destroy, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.quickRoom(t)
	alice := env.join(t, code, "alice")

	env.clock.Advance(DefaultRoomTTL)
	waitFor(t, "room expiry", alice.conn.isClosed)

	types := alice.conn.types()
	if types[len(types)-1] != protocol.RoomExpired {
		t.Errorf("Expected room-expired as final event, got %v", types)
	}
	if _, err := env.m.Join(env.ctx, code, Credentials{Nickname: "late"}, &fakeConn{}); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Expired room should be gone, got %v", err)
	}
}

func TestRolesNicknamesChat(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	if err := env.m.UpdateRole(env.ctx, code, viewer.id, host.hash, permission.RoleViewer); KindOf(err) != KindPermissionDenied {
		t.Errorf("Viewer cannot manage roles, got %v", err)
	}
	if err := env.m.UpdateRole(env.ctx, code, host.id, viewer.hash, permission.RoleHost); KindOf(err) != KindPermissionDenied {
		t.Errorf("Host cannot be granted directly, got %v", err)
	}
	if err := env.m.UpdateRole(env.ctx, code, host.id, host.hash, permission.RoleEditor); KindOf(err) != KindPermissionDenied {
		t.Errorf("Host cannot demote itself, got %v", err)
	}
	if err := env.m.UpdateRole(env.ctx, code, host.id, viewer.hash, permission.RoleEditor); err != nil {
		t.Fatalf("UpdateRole failed: %v", err)
	}
	var role RolePayload
	if !viewer.conn.last(t, protocol.UpdateRole, &role) || role.Role != permission.RoleEditor {
		t.Errorf("Expected update-role to editor, got %+v", role)
	}

	if err := env.m.UpdateNickname(env.ctx, code, viewer.id, "  neo "); err != nil {
		t.Fatalf("UpdateNickname failed: %v", err)
	}
	var nick NicknamePayload
	if !host.conn.last(t, protocol.UpdateNickname, &nick) || nick.Nickname != "neo" {
		t.Errorf("Expected trimmed nickname, got %+v", nick)
	}

	if err := env.m.SendChat(env.ctx, code, viewer.id, "hello"); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	var chat ChatPayload
	if !viewer.conn.last(t, protocol.ChatMessage, &chat) || chat.Text != "hello" || chat.ParticipantID != viewer.hash {
		t.Errorf("Chat should reach the sender too, got %+v", chat)
	}
	if err := env.m.SendChat(env.ctx, code, viewer.id, "   "); KindOf(err) != KindInvalidMessage {
		t.Errorf("Expected invalid-message, got %v", err)
	}
}

func TestFileOperations(t *testing.T) {
	env, cleanup := setupManager(t, nil)
	defer cleanup()

	code := env.customRoom(t, 5)
	host := env.join(t, code, "host")
	viewer := env.join(t, code, "view")

	if _, err := env.m.CreateFile(env.ctx, code, viewer.id, "x.py"); KindOf(err) != KindPermissionDenied {
		t.Errorf("Viewer cannot create files, got %v", err)
	}
	mainFile, err := env.m.CreateFile(env.ctx, code, host.id, "main.py")
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if _, err := env.m.CreateFile(env.ctx, code, host.id, "main.py"); KindOf(err) != KindFileExists {
		t.Errorf("Expected file-exists, got %v", err)
	}
	if _, err := env.m.CreateFile(env.ctx, code, host.id, "a:b"); KindOf(err) != KindInvalidFilename {
		t.Errorf("Expected invalid-filename, got %v", err)
	}
	logo, _ := env.m.CreateFile(env.ctx, code, host.id, "logo.PNG")
	if logo.Kind != FileImage {
		t.Errorf("Expected image kind, got %s", logo.Kind)
	}

	check, err := env.m.CheckFilename(env.ctx, code, viewer.id, "main.py", "")
	if err != nil || check.Available || !check.Valid {
		t.Errorf("main.py should be valid but taken, got %+v (%v)", check, err)
	}
	if !viewer.conn.last(t, protocol.FilenameChecked, nil) || host.conn.count(protocol.FilenameChecked) != 0 {
		t.Error("Filename checks answer only the asker")
	}
	if check, _ := env.m.CheckFilename(env.ctx, code, host.id, "main.py", mainFile.ID); !check.Available {
		t.Error("A file's own name is available to it")
	}

	if err := env.m.RenameFile(env.ctx, code, host.id, mainFile.ID, "app.py"); err != nil {
		t.Fatalf("RenameFile failed: %v", err)
	}
	var renamed FilePayload
	if !viewer.conn.last(t, protocol.FileRenamed, &renamed) || renamed.File.Name != "app.py" || renamed.Previous != "main.py" {
		t.Errorf("Unexpected rename payload %+v", renamed)
	}

	active := mainFile.ID
	env.m.ApplyRemoteAwareness(env.ctx, code, viewer.id, awareness.Fragment{Clock: 1, ActiveFileID: &active})
	if err := env.m.DeleteFile(env.ctx, code, host.id, mainFile.ID); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	var deleted FilePayload
	if !viewer.conn.last(t, protocol.FileDeleted, &deleted) {
		t.Fatal("Expected file-deleted")
	}
	if len(deleted.Affected) != 1 || deleted.Affected[0] != viewer.hash {
		t.Errorf("Viewer's awareness on the file should be cleared, got %v", deleted.Affected)
	}
	if err := env.m.DeleteFile(env.ctx, code, host.id, mainFile.ID); KindOf(err) != KindFileNotFound {
		t.Errorf("Expected file-not-found, got %v", err)
	}
}
