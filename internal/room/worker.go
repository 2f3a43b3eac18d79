package room

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/coderoom/backend/internal/clock"
	"github.com/manpreetbhatti/coderoom/backend/internal/execution"
	"github.com/manpreetbhatti/coderoom/backend/internal/metrics"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
)

const opQueueSize = 256

// Conn is a participant's live connection as seen by the room worker
type Conn interface {
	// Send queues an event without blocking. It returns false when the
	// connection cannot keep up or is already closed.
	Send(ev protocol.Event) bool

	// Close flushes queued events and closes the connection. Safe to call
	// more than once.
	Close()
}

// worker owns one room. Every read or write of the session happens on
// the worker goroutine, so events leave in the order they were enqueued.
type worker struct {
	m       *Manager
	code    string
	session *Session
	logger  zerolog.Logger

	ops  chan func()
	quit chan struct{}

	conns      map[string]Conn
	reserved   map[string]time.Time // admitted but not yet connected, by deadline
	claim      *hostClaim
	claimSeq   uint64
	expiry     clock.Timer
	executions map[string]*execution.Execution
	execCtx    context.Context
	execCancel context.CancelFunc

	dirty  bool
	closed bool
}

func newWorker(m *Manager, session *Session) *worker {
	execCtx, execCancel := context.WithCancel(context.Background())
	return &worker{
		m:          m,
		code:       session.Info.Code,
		session:    session,
		logger:     m.logger.With().Str("room", session.Info.Code).Logger(),
		ops:        make(chan func(), opQueueSize),
		quit:       make(chan struct{}),
		conns:      make(map[string]Conn),
		reserved:   make(map[string]time.Time),
		executions: make(map[string]*execution.Execution),
		execCtx:    execCtx,
		execCancel: execCancel,
	}
}

func (w *worker) start() {
	go w.loop()

	ttl := w.session.Info.ExpiresAt.Sub(w.m.clock.Now())
	if ttl < 0 {
		ttl = 0
	}
	w.expiry = w.m.clock.AfterFunc(ttl, func() { w.post(w.expire) })
	metrics.ActiveRooms.Inc()
}

func (w *worker) loop() {
	for op := range w.ops {
		op()
		if w.closed {
			close(w.quit)
			return
		}
	}
}

// do runs fn on the worker and waits for its result
func (w *worker) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	op := func() { result <- fn() }

	select {
	case w.ops <- op:
	case <-w.quit:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-w.quit:
		// the op may have been the one that closed the room
		select {
		case err := <-result:
			return err
		default:
			return ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn without waiting. Used by timers and executions.
func (w *worker) post(fn func()) {
	select {
	case w.ops <- fn:
	case <-w.quit:
	}
}

func (w *worker) broadcast(ev protocol.Event, except string) {
	for id, c := range w.conns {
		if id == except {
			continue
		}
		w.deliver(id, c, ev)
	}
}

func (w *worker) sendTo(participantID string, ev protocol.Event) {
	if c, ok := w.conns[participantID]; ok {
		w.deliver(participantID, c, ev)
	}
}

// deliver never blocks. A connection that cannot keep up is closed; its
// read loop then reports the disconnect through the normal path.
func (w *worker) deliver(participantID string, c Conn, ev protocol.Event) {
	if !c.Send(ev) {
		w.logger.Warn().Str("participant", participantID).Str("event", ev.Type).Msg("dropping slow connection")
		c.Close()
	}
}

func (w *worker) hashOf(participantID string) string {
	if p, ok := w.session.Participant(participantID); ok {
		return p.DisplayHash
	}
	return ""
}

func (w *worker) roomView() RoomView {
	info := w.session.Info
	return RoomView{
		Code:               info.Code,
		Type:               info.Type,
		MaxParticipants:    info.MaxParticipants,
		HasPassword:        info.HasPassword(),
		HasHostPassword:    info.HasHostPassword(),
		CreatedAt:          info.CreatedAt,
		ExpiresAt:          info.ExpiresAt,
		HostClaimTimeoutMs: w.m.cfg.HostClaimTimeout.Milliseconds(),
	}
}

// participant resolves an actor, failing with Unauthorized if unknown
func (w *worker) participant(id string) (*Participant, error) {
	p, ok := w.session.Participant(id)
	if !ok {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// seatsTaken counts connected participants plus unexpired reservations.
// exclude is not counted.
func (w *worker) seatsTaken(exclude string) int {
	now := w.m.clock.Now()
	n := 0
	for id, deadline := range w.reserved {
		if !now.Before(deadline) {
			delete(w.reserved, id)
			continue
		}
		if id != exclude {
			n++
		}
	}
	for _, p := range w.session.participants {
		if p.Presence == Online && p.ID != exclude {
			n++
		}
	}
	return n
}

func (w *worker) roomFull(exclude string) bool {
	return w.seatsTaken(exclude) >= w.session.Info.MaxParticipants
}

func (w *worker) setOnline(p *Participant, online bool) {
	switch {
	case online && p.Presence != Online:
		p.Presence = Online
		metrics.OnlineParticipants.Inc()
		w.m.online.Add(1)
	case !online && p.Presence == Online:
		p.Presence = Offline
		metrics.OnlineParticipants.Dec()
		w.m.online.Add(-1)
	}
}

func (w *worker) expire() {
	w.logger.Info().Msg("room expired")
	w.teardown(protocol.RoomExpired, RoomClosedPayload{Code: w.code, At: w.m.clock.Now()}, "expired", true)
}

// teardown is terminal: the closing event goes out before any connection
// is released, then the room leaves the registry and the store.
func (w *worker) teardown(eventType string, payload any, reason string, purge bool) {
	if eventType != "" {
		w.broadcast(protocol.Must(eventType, payload), "")
	}
	for id, c := range w.conns {
		c.Close()
		delete(w.conns, id)
	}

	w.clearClaim()
	if w.expiry != nil {
		w.expiry.Stop()
	}
	w.execCancel()

	for _, p := range w.session.participants {
		w.setOnline(p, false)
		w.m.execLimiter.Remove(p.ID)
	}

	w.closed = true
	w.m.unregister(w)
	metrics.ActiveRooms.Dec()

	if purge {
		metrics.RoomsClosed.WithLabelValues(reason).Inc()
		if w.m.store != nil {
			if err := w.m.store.DeleteRoom(w.code); err != nil {
				w.logger.Error().Err(err).Msg("failed to delete room record")
			}
		}
	}
}
