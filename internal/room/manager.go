// Package room runs collaborative coding rooms. Each room is owned by a
// single worker goroutine that serializes every mutation of its session:
// participants, the document replica, awareness, host claims and running
// executions. The Manager is the registry of workers and the entry point
// for the transport layers.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/manpreetbhatti/coderoom/backend/internal/auth"
	"github.com/manpreetbhatti/coderoom/backend/internal/awareness"
	"github.com/manpreetbhatti/coderoom/backend/internal/clock"
	"github.com/manpreetbhatti/coderoom/backend/internal/crdt"
	"github.com/manpreetbhatti/coderoom/backend/internal/execution"
	"github.com/manpreetbhatti/coderoom/backend/internal/metrics"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
	"github.com/manpreetbhatti/coderoom/backend/internal/ratelimit"
)

const (
	DefaultRoomTTL           = 24 * time.Hour
	DefaultHostClaimTimeout  = 10 * time.Second
	DefaultMaxDocumentBytes  = 5 * 1024 * 1024
	DefaultQuickRoomCapacity = 50
	DefaultSeatReservation   = time.Minute

	maxCodeAttempts = 10
)

// Config is room policy
type Config struct {
	RoomTTL                  time.Duration
	HostClaimTimeout         time.Duration
	HostClaimAutoAccept      bool
	HostDisconnectAutoAccept bool
	MaxDocumentBytes         int
	QuickRoomCapacity        int
	// SeatReservation is how long a participant admitted without a
	// connection keeps its seat
	SeatReservation time.Duration
}

// Executor starts code executions. *execution.Bridge satisfies it.
type Executor interface {
	Start(ctx context.Context, req execution.Request, emit func(execution.Event)) (*execution.Execution, error)
}

type Options struct {
	Config      Config
	Store       Store
	Executor    Executor
	Tokens      *auth.Issuer
	ExecLimiter *ratelimit.Keyed
	Clock       clock.Clock
	Logger      zerolog.Logger
	NewDocument crdt.Factory
	BcryptCost  int
}

type Manager struct {
	cfg         Config
	store       Store
	executor    Executor
	tokens      *auth.Issuer
	execLimiter *ratelimit.Keyed
	clock       clock.Clock
	logger      zerolog.Logger
	newDoc      crdt.Factory
	bcryptCost  int

	mu    sync.Mutex
	rooms map[string]*worker

	online atomic.Int64
}

func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = DefaultRoomTTL
	}
	if cfg.HostClaimTimeout <= 0 {
		cfg.HostClaimTimeout = DefaultHostClaimTimeout
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if cfg.QuickRoomCapacity <= 0 {
		cfg.QuickRoomCapacity = DefaultQuickRoomCapacity
	}
	if cfg.SeatReservation <= 0 {
		cfg.SeatReservation = DefaultSeatReservation
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewDocument == nil {
		opts.NewDocument = crdt.LoadFragmentLog
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}

	return &Manager{
		cfg:         cfg,
		store:       opts.Store,
		executor:    opts.Executor,
		tokens:      opts.Tokens,
		execLimiter: opts.ExecLimiter,
		clock:       opts.Clock,
		logger:      opts.Logger.With().Str("component", "rooms").Logger(),
		newDoc:      opts.NewDocument,
		bcryptCost:  opts.BcryptCost,
		rooms:       make(map[string]*worker),
	}
}

// CreateOptions configures a new room. Passwords apply to custom rooms only.
type CreateOptions struct {
	Type            permission.RoomType
	MaxParticipants int
	Password        string
	HostPassword    string
}

func (m *Manager) CreateRoom(ctx context.Context, opts CreateOptions) (RoomView, error) {
	now := m.clock.Now()
	info := Info{
		Type:      opts.Type,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.RoomTTL),
	}

	switch opts.Type {
	case permission.RoomQuick:
		info.MaxParticipants = m.cfg.QuickRoomCapacity
	case permission.RoomCustom:
		if opts.MaxParticipants < MinParticipants || opts.MaxParticipants > MaxParticipants {
			return RoomView{}, newError(KindInvalidRequest, "maxParticipants must be %d-%d", MinParticipants, MaxParticipants)
		}
		info.MaxParticipants = opts.MaxParticipants

		var err error
		if info.PasswordHash, err = m.hashPassword(opts.Password); err != nil {
			return RoomView{}, err
		}
		if info.HostPasswordHash, err = m.hashPassword(opts.HostPassword); err != nil {
			return RoomView{}, err
		}
	default:
		return RoomView{}, newError(KindInvalidRequest, "unknown room type %q", opts.Type)
	}

	code, err := m.allocateCode()
	if err != nil {
		return RoomView{}, err
	}
	info.Code = code

	if m.store != nil {
		if err := m.store.CreateRoom(infoToRecord(info)); err != nil {
			return RoomView{}, fmt.Errorf("persisting room: %w", err)
		}
	}

	w := newWorker(m, NewSession(info, m.newDoc))
	m.mu.Lock()
	m.rooms[code] = w
	m.mu.Unlock()
	w.start()

	m.logger.Info().Str("room", code).Str("type", string(info.Type)).Msg("room created")
	return w.roomView(), nil
}

func (m *Manager) hashPassword(password string) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	return bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
}

func (m *Manager) allocateCode() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := NewCode()
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		_, taken := m.rooms[code]
		m.mu.Unlock()
		if !taken && m.store != nil {
			if taken, err = m.store.RoomExists(code); err != nil {
				return "", err
			}
		}
		if !taken {
			return code, nil
		}
	}
	return "", errors.New("room: could not allocate a unique code")
}

// worker finds a running room, restoring it from the store if needed
func (m *Manager) worker(code string) (*worker, error) {
	code, ok := NormalizeCode(code)
	if !ok {
		return nil, ErrRoomNotFound
	}

	m.mu.Lock()
	w, ok := m.rooms[code]
	m.mu.Unlock()
	if ok {
		return w, nil
	}
	if m.store == nil {
		return nil, ErrRoomNotFound
	}

	record, err := m.store.GetRoom(code)
	if err != nil {
		return nil, fmt.Errorf("loading room: %w", err)
	}
	if record == nil {
		return nil, ErrRoomNotFound
	}
	info, err := infoFromRecord(record)
	if err != nil {
		return nil, err
	}
	if !m.clock.Now().Before(info.ExpiresAt) {
		if err := m.store.DeleteRoom(code); err != nil {
			m.logger.Error().Err(err).Str("room", code).Msg("failed to purge expired room")
		}
		return nil, ErrRoomNotFound
	}

	session := NewSession(info, m.newDoc)
	state, err := m.store.GetSnapshot(code)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if state != nil {
		if err := session.RestoreState(state); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", code, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rooms[code]; ok {
		return existing, nil
	}
	w = newWorker(m, session)
	m.rooms[code] = w
	w.start()
	m.logger.Info().Str("room", code).Int("files", len(session.files)).Msg("room restored")
	return w, nil
}

func (m *Manager) unregister(w *worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[w.code] == w {
		delete(m.rooms, w.code)
	}
}

func (m *Manager) workers() []*worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*worker, 0, len(m.rooms))
	for _, w := range m.rooms {
		out = append(out, w)
	}
	return out
}

func (m *Manager) info(ctx context.Context, w *worker) (Info, error) {
	var info Info
	err := w.do(ctx, func() error {
		info = w.session.Info
		return nil
	})
	return info, err
}

// checkPassword compares outside the worker so bcrypt never stalls a room
func checkPassword(hash []byte, password string) bool {
	if len(hash) == 0 || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

type Joinability string

const (
	Joinable         Joinability = "JOINABLE"
	JoinableFull     Joinability = "FULL"
	JoinableNotFound Joinability = "NOT_FOUND"
)

type JoinStatus struct {
	Status           Joinability `json:"status"`
	PasswordRequired bool        `json:"passwordRequired"`
}

func (m *Manager) Joinable(ctx context.Context, code string) (JoinStatus, error) {
	w, err := m.worker(code)
	if errors.Is(err, ErrRoomNotFound) {
		return JoinStatus{Status: JoinableNotFound}, nil
	}
	if err != nil {
		return JoinStatus{}, err
	}

	var status JoinStatus
	err = w.do(ctx, func() error {
		info := w.session.Info
		switch {
		case !m.clock.Now().Before(info.ExpiresAt):
			status.Status = JoinableNotFound
		case w.roomFull(""):
			status.Status = JoinableFull
		default:
			status.Status = Joinable
		}
		status.PasswordRequired = info.HasPassword()
		return nil
	})
	if errors.Is(err, ErrRoomClosed) {
		return JoinStatus{Status: JoinableNotFound}, nil
	}
	return status, err
}

// Credentials identify a joining client. ParticipantID comes from a
// verified room token; Password is only consulted without one.
type Credentials struct {
	ParticipantID string
	Password      string
	Nickname      string
}

type Admission struct {
	Token       string          `json:"token"`
	Participant ParticipantView `json:"participant"`

	participantID string
}

func (a *Admission) ParticipantID() string { return a.participantID }

// Admit performs the password exchange without connecting. The returned
// token lets the client open the real-time channel as that participant.
func (m *Manager) Admit(ctx context.Context, code string, creds Credentials) (*Admission, error) {
	w, err := m.worker(code)
	if err != nil {
		return nil, m.rejected(err)
	}
	passwordOK, err := m.verifyRoomPassword(ctx, w, creds)
	if err != nil {
		return nil, m.rejected(err)
	}

	var admission *Admission
	err = w.do(ctx, func() error {
		p, token, err := w.admitOnly(creds, passwordOK)
		if err != nil {
			return err
		}
		admission = &Admission{Token: token, Participant: w.session.View(p), participantID: p.ID}
		return nil
	})
	if err != nil {
		return nil, m.rejected(err)
	}
	return admission, nil
}

func (m *Manager) verifyRoomPassword(ctx context.Context, w *worker, creds Credentials) (bool, error) {
	if creds.ParticipantID != "" || creds.Password == "" {
		return false, nil
	}
	info, err := m.info(ctx, w)
	if err != nil {
		return false, err
	}
	return checkPassword(info.PasswordHash, creds.Password), nil
}

func (m *Manager) rejected(err error) error {
	if errors.Is(err, ErrRoomClosed) {
		err = ErrRoomNotFound
	}
	if kind := KindOf(err); kind != "" {
		metrics.AdmissionsRejected.WithLabelValues(string(kind)).Inc()
	}
	return err
}

// JoinResult is what a joiner receives: its identity plus the snapshot as
// three independent payloads.
type JoinResult struct {
	ParticipantID string
	Welcome       WelcomePayload
	Documents     DocSnapshotPayload
	Awareness     AwarenessSnapshotPayload
	Roster        RosterPayload
}

// Join admits a client and attaches its connection. The snapshot events
// are queued on conn before anyone else hears about the join.
func (m *Manager) Join(ctx context.Context, code string, creds Credentials, conn Conn) (*JoinResult, error) {
	w, err := m.worker(code)
	if err != nil {
		return nil, m.rejected(err)
	}
	passwordOK, err := m.verifyRoomPassword(ctx, w, creds)
	if err != nil {
		return nil, m.rejected(err)
	}

	var result *JoinResult
	err = w.do(ctx, func() error {
		r, err := w.join(creds, passwordOK, conn)
		result = r
		return err
	})
	if err != nil {
		return nil, m.rejected(err)
	}
	return result, nil
}

// Disconnect flips a participant offline. It is a no-op if conn has
// already been replaced by a newer connection.
func (m *Manager) Disconnect(ctx context.Context, code, participantID string, conn Conn) error {
	w, err := m.running(code)
	if err != nil {
		return err
	}
	return w.do(ctx, func() error {
		w.disconnect(participantID, conn)
		return nil
	})
}

func (m *Manager) Leave(ctx context.Context, code, participantID string) error {
	return m.run(ctx, code, func(w *worker) error { return w.leave(participantID) })
}

func (m *Manager) Destroy(ctx context.Context, code, actorID string) error {
	return m.run(ctx, code, func(w *worker) error { return w.destroy(actorID) })
}

// running returns an in-memory worker without restoring from the store
func (m *Manager) running(code string) (*worker, error) {
	code, ok := NormalizeCode(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return w, nil
}

func (m *Manager) run(ctx context.Context, code string, fn func(w *worker) error) error {
	w, err := m.worker(code)
	if err != nil {
		return err
	}
	err = w.do(ctx, func() error { return fn(w) })
	if errors.Is(err, ErrRoomClosed) {
		return ErrRoomNotFound
	}
	return err
}

func (m *Manager) ApplyLocalUpdate(ctx context.Context, code, fileID string, fragment []byte) (*protocol.Event, error) {
	var ev *protocol.Event
	err := m.run(ctx, code, func(w *worker) error {
		var err error
		ev, err = w.applyUpdate("", fileID, fragment)
		return err
	})
	return ev, err
}

func (m *Manager) ApplyRemoteUpdate(ctx context.Context, code, originID, fileID string, fragment []byte) error {
	return m.run(ctx, code, func(w *worker) error {
		_, err := w.applyUpdate(originID, fileID, fragment)
		return err
	})
}

func (m *Manager) SyncRequest(ctx context.Context, code, participantID, fileID string, stateVector []byte) error {
	return m.run(ctx, code, func(w *worker) error { return w.syncFile(participantID, fileID, stateVector) })
}

func (m *Manager) SetLocalState(ctx context.Context, code, participantID string, partial awareness.Fragment) error {
	return m.run(ctx, code, func(w *worker) error { return w.setLocalAwareness(participantID, partial) })
}

func (m *Manager) ApplyRemoteAwareness(ctx context.Context, code, originID string, fragment awareness.Fragment) error {
	return m.run(ctx, code, func(w *worker) error { return w.applyRemoteAwareness(originID, fragment) })
}

func (m *Manager) ClaimHost(ctx context.Context, code, requesterID, hostPassword string) error {
	w, err := m.worker(code)
	if err != nil {
		return err
	}
	passwordOK := false
	if hostPassword != "" {
		info, err := m.info(ctx, w)
		if err != nil {
			return err
		}
		passwordOK = checkPassword(info.HostPasswordHash, hostPassword)
	}
	return m.run(ctx, code, func(w *worker) error { return w.requestHost(requesterID, passwordOK) })
}

func (m *Manager) AcceptHostClaim(ctx context.Context, code, actorID string) error {
	return m.run(ctx, code, func(w *worker) error { return w.resolveClaim(actorID, true) })
}

func (m *Manager) RejectHostClaim(ctx context.Context, code, actorID string) error {
	return m.run(ctx, code, func(w *worker) error { return w.resolveClaim(actorID, false) })
}

func (m *Manager) CancelHostClaim(ctx context.Context, code, requesterID string) error {
	return m.run(ctx, code, func(w *worker) error { return w.cancelClaim(requesterID) })
}

func (m *Manager) UpdateRole(ctx context.Context, code, actorID, targetHash string, role permission.Role) error {
	return m.run(ctx, code, func(w *worker) error { return w.updateRole(actorID, targetHash, role) })
}

func (m *Manager) UpdateNickname(ctx context.Context, code, participantID, nickname string) error {
	return m.run(ctx, code, func(w *worker) error { return w.updateNickname(participantID, nickname) })
}

func (m *Manager) SendChat(ctx context.Context, code, participantID, text string) error {
	return m.run(ctx, code, func(w *worker) error { return w.chat(participantID, text) })
}

func (m *Manager) CreateFile(ctx context.Context, code, actorID, name string) (FileView, error) {
	var view FileView
	err := m.run(ctx, code, func(w *worker) error {
		var err error
		view, err = w.createFile(actorID, name)
		return err
	})
	return view, err
}

func (m *Manager) RenameFile(ctx context.Context, code, actorID, fileID, name string) error {
	return m.run(ctx, code, func(w *worker) error { return w.renameFile(actorID, fileID, name) })
}

func (m *Manager) DeleteFile(ctx context.Context, code, actorID, fileID string) error {
	return m.run(ctx, code, func(w *worker) error { return w.deleteFile(actorID, fileID) })
}

func (m *Manager) CheckFilename(ctx context.Context, code, actorID, name, fileID string) (FilenameCheckPayload, error) {
	var result FilenameCheckPayload
	err := m.run(ctx, code, func(w *worker) error {
		var err error
		result, err = w.checkFilename(actorID, name, fileID)
		return err
	})
	return result, err
}

// Execute starts running a file. The returned error is synchronous
// validation; everything after that arrives as room events.
func (m *Manager) Execute(ctx context.Context, code, requesterID string, req ExecuteRequest) (string, error) {
	var id string
	err := m.run(ctx, code, func(w *worker) error {
		var err error
		id, err = w.execute(requesterID, req)
		return err
	})
	return id, err
}

// ExecutionInput forwards stdin to a running execution. The runner write
// happens outside the worker.
func (m *Manager) ExecutionInput(ctx context.Context, code, participantID, executionID, data string) error {
	exec, err := m.ownedExecution(ctx, code, participantID, executionID)
	if err != nil {
		return err
	}
	return exec.Write("stdin", data)
}

func (m *Manager) CancelExecution(ctx context.Context, code, participantID, executionID string) error {
	exec, err := m.ownedExecution(ctx, code, participantID, executionID)
	if err != nil {
		return err
	}
	exec.Cancel()
	return nil
}

func (m *Manager) ownedExecution(ctx context.Context, code, participantID, executionID string) (*execution.Execution, error) {
	var exec *execution.Execution
	err := m.run(ctx, code, func(w *worker) error {
		var err error
		exec, err = w.ownedExecution(participantID, executionID)
		return err
	})
	return exec, err
}

// Flush persists every room changed since the last flush
func (m *Manager) Flush(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	saved := 0
	var errs []error
	for _, w := range m.workers() {
		var state []byte
		err := w.do(ctx, func() error {
			if !w.dirty {
				return nil
			}
			var err error
			if state, err = w.session.EncodeState(); err != nil {
				return err
			}
			w.dirty = false
			return nil
		})
		if errors.Is(err, ErrRoomClosed) || (err == nil && state == nil) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.code, err))
			continue
		}

		start := time.Now()
		if err := m.store.SaveSnapshot(w.code, state); err != nil {
			w.post(func() { w.dirty = true })
			errs = append(errs, fmt.Errorf("%s: %w", w.code, err))
			continue
		}
		metrics.SnapshotLatency.Observe(time.Since(start).Seconds())
		saved++
	}
	return saved, errors.Join(errs...)
}

// PurgeExpired deletes expired rooms that are not loaded. Loaded rooms
// expire through their own timer.
func (m *Manager) PurgeExpired(ctx context.Context, limit int) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	codes, err := m.store.ListExpired(m.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, code := range codes {
		if _, err := m.running(code); err == nil {
			continue
		}
		if err := m.store.DeleteRoom(code); err != nil {
			return purged, err
		}
		metrics.RoomsClosed.WithLabelValues("expired").Inc()
		purged++
	}
	return purged, nil
}

// Shutdown persists all rooms and stops their workers. Rooms are not
// destroyed and come back on next use.
func (m *Manager) Shutdown(ctx context.Context) error {
	_, err := m.Flush(ctx)
	for _, w := range m.workers() {
		w.do(ctx, func() error {
			w.teardown("", nil, "shutdown", false)
			return nil
		})
	}
	return err
}

type Stats struct {
	Rooms              int   `json:"rooms"`
	OnlineParticipants int64 `json:"onlineParticipants"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	rooms := len(m.rooms)
	m.mu.Unlock()
	return Stats{Rooms: rooms, OnlineParticipants: m.online.Load()}
}

// VerifyToken resolves a room token to a participant id
func (m *Manager) VerifyToken(code, token string) (string, error) {
	if m.tokens == nil || token == "" {
		return "", ErrUnauthorized
	}
	claims, err := m.tokens.Verify(token, code)
	if err != nil {
		return "", ErrUnauthorized
	}
	return claims.ParticipantID, nil
}
