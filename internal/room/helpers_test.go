package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/manpreetbhatti/coderoom/backend/internal/auth"
	"github.com/manpreetbhatti/coderoom/backend/internal/clock"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeConn records everything the worker sends to one participant
type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func (c *fakeConn) Send(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func (c *fakeConn) count(eventType string) int {
	n := 0
	for _, t := range c.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

// last decodes the most recent event of a type into v
func (c *fakeConn) last(t *testing.T, eventType string, v any) bool {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == eventType {
			if v != nil {
				if err := c.events[i].Decode(v); err != nil {
					t.Fatalf("Failed to decode %s: %v", eventType, err)
				}
			}
			return true
		}
	}
	return false
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

type testEnv struct {
	m     *Manager
	clock *clock.FakeClock
	ctx   context.Context
}

func setupManager(t *testing.T, configure func(*Options)) (*testEnv, func()) {
	t.Helper()

	fc := clock.Fake(testEpoch)
	opts := Options{
		Config: Config{
			HostClaimAutoAccept:      true,
			HostDisconnectAutoAccept: true,
		},
		Tokens:     auth.NewIssuer([]byte("test-secret"), time.Hour).WithNow(fc.Now),
		Clock:      fc,
		Logger:     zerolog.Nop(),
		BcryptCost: bcrypt.MinCost,
	}
	if configure != nil {
		configure(&opts)
	}
	env := &testEnv{m: NewManager(opts), clock: fc, ctx: context.Background()}

	cleanup := func() {
		env.m.Shutdown(context.Background())
	}
	return env, cleanup
}

func (e *testEnv) createRoom(t *testing.T, opts CreateOptions) string {
	t.Helper()
	view, err := e.m.CreateRoom(e.ctx, opts)
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	return view.Code
}

func (e *testEnv) quickRoom(t *testing.T) string {
	t.Helper()
	return e.createRoom(t, CreateOptions{Type: permission.RoomQuick})
}

func (e *testEnv) customRoom(t *testing.T, max int) string {
	t.Helper()
	return e.createRoom(t, CreateOptions{Type: permission.RoomCustom, MaxParticipants: max})
}

type member struct {
	id   string
	hash string
	conn *fakeConn
}

func (e *testEnv) join(t *testing.T, code, nickname string) *member {
	t.Helper()
	conn := &fakeConn{}
	result, err := e.m.Join(e.ctx, code, Credentials{Nickname: nickname}, conn)
	if err != nil {
		t.Fatalf("Failed to join %s as %s: %v", code, nickname, err)
	}
	return &member{id: result.ParticipantID, hash: result.Welcome.You.ID, conn: conn}
}

// barrier waits until everything posted to the room so far has run
func (e *testEnv) barrier(t *testing.T, code string) {
	t.Helper()
	if _, err := e.m.Joinable(e.ctx, code); err != nil {
		t.Fatalf("Barrier failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// roles reads every participant's role through a fresh roster
func (e *testEnv) roles(t *testing.T, code string) map[string]permission.Role {
	t.Helper()
	w, err := e.m.worker(code)
	if err != nil {
		t.Fatalf("Room lookup failed: %v", err)
	}
	roles := make(map[string]permission.Role)
	w.do(e.ctx, func() error {
		for _, p := range w.session.Roster() {
			roles[p.ID] = p.Role
		}
		return nil
	})
	return roles
}

func countHosts(roles map[string]permission.Role) int {
	n := 0
	for _, r := range roles {
		if r == permission.RoleHost {
			n++
		}
	}
	return n
}
