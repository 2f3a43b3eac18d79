package room

import (
	"time"

	"github.com/manpreetbhatti/coderoom/backend/internal/clock"
	"github.com/manpreetbhatti/coderoom/backend/internal/metrics"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
)

// A host claim moves Idle -> Pending -> {accepted, rejected, timed out,
// cancelled} -> Idle. At most one is pending per room.
type hostClaim struct {
	id          uint64
	requesterID string
	issuedAt    time.Time
	timeoutAt   time.Time
	timer       clock.Timer
}

const (
	reasonAccepted         = "accepted"
	reasonRejected         = "rejected"
	reasonTimeout          = "timeout"
	reasonCancelled        = "cancelled"
	reasonHostDisconnected = "host-disconnected"
	reasonHostLeft         = "host-left"
	reasonRequesterGone    = "requester-disconnected"
)

func (w *worker) claimPayload(reason string) HostClaimPayload {
	c := w.claim
	payload := HostClaimPayload{IssuedAt: c.issuedAt, TimeoutAt: c.timeoutAt, Reason: reason}
	if p, ok := w.session.Participant(c.requesterID); ok {
		payload.RequesterID = p.DisplayHash
		payload.RequesterNickname = p.Nickname
	}
	return payload
}

func (w *worker) requestHost(requesterID string, passwordOK bool) error {
	p, err := w.participant(requesterID)
	if err != nil {
		return err
	}
	if p.Role == permission.RoleHost {
		return newError(KindInvalidRequest, "already host")
	}
	if !w.session.Can(p, permission.RequestHost) {
		return denied(permission.RequestHost)
	}
	if w.session.Info.HasHostPassword() && !passwordOK {
		return ErrInvalidPassword
	}
	if w.claim != nil {
		return &Error{Kind: KindClaimAlreadyPending}
	}

	host, ok := w.session.Host()
	if !ok {
		return &Error{Kind: KindHostNotFound}
	}
	if _, connected := w.conns[host.ID]; !connected {
		if !w.m.cfg.HostDisconnectAutoAccept {
			return newError(KindHostNotFound, "host is offline")
		}
		w.transferHost(host, p, reasonHostDisconnected)
		w.sendTo(p.ID, protocol.Must(protocol.HostClaimAccept, HostClaimPayload{
			RequesterID:       p.DisplayHash,
			RequesterNickname: p.Nickname,
			IssuedAt:          w.m.clock.Now(),
			Reason:            reasonHostDisconnected,
		}))
		return nil
	}

	now := w.m.clock.Now()
	w.claimSeq++
	claim := &hostClaim{
		id:          w.claimSeq,
		requesterID: p.ID,
		issuedAt:    now,
		timeoutAt:   now.Add(w.m.cfg.HostClaimTimeout),
	}
	w.claim = claim
	id := claim.id
	claim.timer = w.m.clock.AfterFunc(w.m.cfg.HostClaimTimeout, func() {
		w.post(func() { w.claimTimedOut(id) })
	})

	w.logger.Info().Str("participant", p.ID).Msg("host claim pending")
	w.sendTo(host.ID, protocol.Must(protocol.HostClaimRequest, w.claimPayload("")))
	return nil
}

func (w *worker) claimTimedOut(id uint64) {
	if w.claim == nil || w.claim.id != id {
		return
	}
	if w.m.cfg.HostClaimAutoAccept {
		w.grantClaim(reasonTimeout)
		return
	}
	host, _ := w.session.Host()
	w.endClaim(protocol.HostClaimReject, reasonTimeout, host)
}

// resolveClaim handles accept and reject from the host
func (w *worker) resolveClaim(actorID string, accept bool) error {
	actor, err := w.participant(actorID)
	if err != nil {
		return err
	}
	if actor.Role != permission.RoleHost || !w.session.Can(actor, permission.HandleHostRequest) {
		return denied(permission.HandleHostRequest)
	}
	if w.claim == nil {
		return &Error{Kind: KindNoPendingClaim}
	}
	if accept {
		w.grantClaim(reasonAccepted)
		return nil
	}
	w.endClaim(protocol.HostClaimReject, reasonRejected, nil)
	return nil
}

func (w *worker) cancelClaim(requesterID string) error {
	if w.claim == nil || w.claim.requesterID != requesterID {
		return &Error{Kind: KindNoPendingClaim}
	}
	host, _ := w.session.Host()
	w.endClaim("", reasonCancelled, host)
	return nil
}

// endClaim clears the pending claim without a transfer. The requester is
// told with requesterEvent (if any), the host is told it was withdrawn.
func (w *worker) endClaim(requesterEvent, reason string, notifyHost *Participant) {
	payload := w.claimPayload(reason)
	requesterID := w.claim.requesterID
	w.clearClaim()

	if requesterEvent != "" {
		w.sendTo(requesterID, protocol.Must(requesterEvent, payload))
	}
	if notifyHost != nil {
		w.sendTo(notifyHost.ID, protocol.Must(protocol.HostClaimCancel, payload))
	}
}

func (w *worker) grantClaim(reason string) {
	payload := w.claimPayload(reason)
	requester, ok := w.session.Participant(w.claim.requesterID)
	w.clearClaim()
	if !ok {
		return
	}

	host, _ := w.session.Host()
	w.transferHost(host, requester, reason)
	w.sendTo(requester.ID, protocol.Must(protocol.HostClaimAccept, payload))
}

func (w *worker) clearClaim() {
	if w.claim == nil {
		return
	}
	if w.claim.timer != nil {
		w.claim.timer.Stop()
	}
	w.claim = nil
}

// transferHost makes to the host and demotes the current host (nil if it
// already left) to editor in one step.
func (w *worker) transferHost(from, to *Participant, reason string) {
	payload := HostTransferredPayload{NewHostID: to.DisplayHash, Reason: reason}
	if from != nil && from.ID != to.ID {
		from.Role = permission.RoleEditor
		payload.PreviousHostID = from.DisplayHash
		payload.PreviousHostRole = from.Role
	}
	to.Role = permission.RoleHost
	w.dirty = true

	metrics.HostTransfers.WithLabelValues(reason).Inc()
	w.logger.Info().Str("participant", to.ID).Str("reason", reason).Msg("host transferred")
	w.broadcast(protocol.Must(protocol.HostTransferred, payload), "")
}

// hostDeparted runs when the host goes offline or leaves while a claim may
// be pending.
func (w *worker) hostDeparted(host *Participant, left bool) {
	if w.claim != nil {
		if left || w.m.cfg.HostDisconnectAutoAccept {
			reason := reasonHostDisconnected
			if left {
				reason = reasonHostLeft
			}
			w.grantClaim(reason)
			return
		}
		w.endClaim(protocol.HostClaimFailed, reasonHostDisconnected, nil)
	}
	if !left {
		return
	}
	if next, ok := w.session.NextHost(host.ID); ok {
		w.transferHost(host, next, reasonHostLeft)
	}
}
