package room

import (
	"github.com/oklog/ulid/v2"

	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
)

// admit resolves the participant for a set of credentials, creating one
// if needed. Capacity counts connected participants and reserved seats; a
// participant already online (replacing its connection) is never blocked.
// The token is only issued for newly created participants.
func (w *worker) admit(creds Credentials, passwordOK bool) (*Participant, string, error) {
	info := w.session.Info
	now := w.m.clock.Now()
	if !now.Before(info.ExpiresAt) {
		return nil, "", ErrRoomNotFound
	}

	if creds.ParticipantID != "" {
		p, ok := w.session.Participant(creds.ParticipantID)
		if !ok {
			return nil, "", ErrUnauthorized
		}
		// a reserved seat is excluded with the participant, so it always fits
		if p.Presence != Online && w.roomFull(p.ID) {
			return nil, "", ErrRoomFull
		}
		return p, "", nil
	}

	if w.roomFull("") {
		return nil, "", ErrRoomFull
	}
	if info.HasPassword() {
		if creds.Password == "" {
			return nil, "", ErrPasswordRequired
		}
		if !passwordOK {
			return nil, "", ErrInvalidPassword
		}
	}
	nickname, err := ValidateNickname(creds.Nickname)
	if err != nil {
		return nil, "", err
	}

	role := info.Type.DefaultRole()
	if _, ok := w.session.Host(); !ok {
		role = permission.RoleHost
	}
	p := w.session.AddParticipant(nickname, role, now)
	w.dirty = true

	var token string
	if w.m.tokens != nil {
		if token, err = w.m.tokens.Issue(info.Code, p.ID); err != nil {
			w.session.RemoveParticipant(p.ID)
			return nil, "", err
		}
	}

	w.logger.Info().Str("participant", p.ID).Str("role", string(role)).Msg("participant admitted")
	return p, token, nil
}

// admitOnly is the password exchange without a connection. The new
// participant holds a seat until it connects or the reservation lapses.
func (w *worker) admitOnly(creds Credentials, passwordOK bool) (*Participant, string, error) {
	p, token, err := w.admit(creds, passwordOK)
	if err != nil {
		return nil, "", err
	}
	if creds.ParticipantID == "" {
		w.reserved[p.ID] = w.m.clock.Now().Add(w.m.cfg.SeatReservation)
		w.broadcast(protocol.Must(protocol.ParticipantJoined, ParticipantPayload{Participant: w.session.View(p)}), "")
	}
	return p, token, nil
}

func (w *worker) join(creds Credentials, passwordOK bool, conn Conn) (*JoinResult, error) {
	p, token, err := w.admit(creds, passwordOK)
	if err != nil {
		return nil, err
	}
	created := creds.ParticipantID == ""
	delete(w.reserved, p.ID)

	if old, ok := w.conns[p.ID]; ok && old != conn {
		old.Close()
	}
	w.conns[p.ID] = conn
	wasOnline := p.Presence == Online
	w.setOnline(p, true)

	files, err := w.session.DocSnapshot()
	if err != nil {
		return nil, err
	}
	result := &JoinResult{
		ParticipantID: p.ID,
		Welcome:       WelcomePayload{Room: w.roomView(), You: w.session.View(p), Token: token},
		Documents:     DocSnapshotPayload{Files: files},
		Awareness:     AwarenessSnapshotPayload{States: w.session.Awareness()},
		Roster:        RosterPayload{Participants: w.session.Roster()},
	}

	w.deliver(p.ID, conn, protocol.Must(protocol.Welcome, result.Welcome))
	w.deliver(p.ID, conn, protocol.Must(protocol.DocSnapshot, result.Documents))
	w.deliver(p.ID, conn, protocol.Must(protocol.AwarenessSnapshot, result.Awareness))
	w.deliver(p.ID, conn, protocol.Must(protocol.RosterSnapshot, result.Roster))

	switch {
	case created:
		w.broadcast(protocol.Must(protocol.ParticipantJoined, ParticipantPayload{Participant: w.session.View(p)}), p.ID)
	case !wasOnline:
		w.broadcast(protocol.Must(protocol.UpdateParticipant, ParticipantPayload{Participant: w.session.View(p)}), p.ID)
	}
	if w.claim != nil && p.Role == permission.RoleHost {
		w.deliver(p.ID, conn, protocol.Must(protocol.HostClaimRequest, w.claimPayload("")))
	}

	w.logger.Debug().Str("participant", p.ID).Int("online", w.session.OnlineCount()).Msg("participant connected")
	return result, nil
}

// disconnect clears awareness and announces it before presence flips
func (w *worker) disconnect(participantID string, conn Conn) {
	if current, ok := w.conns[participantID]; !ok || current != conn {
		return
	}
	delete(w.conns, participantID)

	p, ok := w.session.Participant(participantID)
	if !ok {
		return
	}
	if w.session.awareness.Remove(participantID) {
		w.broadcast(protocol.Must(protocol.RemoveAwareness, ParticipantRef{ParticipantID: p.DisplayHash}), "")
	}
	w.setOnline(p, false)
	w.broadcast(protocol.Must(protocol.ParticipantDisconnected, ParticipantRef{ParticipantID: p.DisplayHash}), "")

	switch {
	case w.claim != nil && w.claim.requesterID == participantID:
		host, _ := w.session.Host()
		w.endClaim("", reasonRequesterGone, host)
	case p.Role == permission.RoleHost:
		w.hostDeparted(p, false)
	}
	w.logger.Debug().Str("participant", participantID).Msg("participant disconnected")
}

// leave removes the participant record for good
func (w *worker) leave(participantID string) error {
	p, err := w.participant(participantID)
	if err != nil {
		return err
	}

	conn, connected := w.conns[participantID]
	delete(w.conns, participantID)
	delete(w.reserved, participantID)
	if w.session.awareness.Remove(participantID) {
		w.broadcast(protocol.Must(protocol.RemoveAwareness, ParticipantRef{ParticipantID: p.DisplayHash}), "")
	}
	w.setOnline(p, false)

	if w.claim != nil && w.claim.requesterID == participantID {
		host, _ := w.session.Host()
		w.endClaim("", reasonRequesterGone, host)
	}
	if p.Role == permission.RoleHost {
		w.hostDeparted(p, true)
	}

	w.session.RemoveParticipant(participantID)
	w.m.execLimiter.Remove(participantID)
	w.dirty = true
	w.broadcast(protocol.Must(protocol.ParticipantLeft, ParticipantRef{ParticipantID: p.DisplayHash}), "")

	if connected {
		conn.Close()
	}
	w.logger.Info().Str("participant", participantID).Msg("participant left")
	return nil
}

func (w *worker) destroy(actorID string) error {
	p, err := w.participant(actorID)
	if err != nil {
		return err
	}
	if !w.session.Can(p, permission.DestroyRoom) {
		return denied(permission.DestroyRoom)
	}

	w.logger.Info().Str("participant", actorID).Msg("room destroyed")
	w.teardown(protocol.RoomDestroyed, RoomClosedPayload{
		Code:    w.code,
		ActorID: p.DisplayHash,
		At:      w.m.clock.Now(),
	}, "destroyed", true)
	return nil
}

func (w *worker) updateRole(actorID, targetHash string, role permission.Role) error {
	actor, err := w.participant(actorID)
	if err != nil {
		return err
	}
	if !w.session.Can(actor, permission.ManageRoles) {
		return denied(permission.ManageRoles)
	}
	if role != permission.RoleEditor && role != permission.RoleViewer {
		return newError(KindPermissionDenied, "host changes hands through a host claim")
	}
	target, ok := w.session.ParticipantByHash(targetHash)
	if !ok {
		return &Error{Kind: KindParticipantNotFound}
	}
	if target.ID == actor.ID || target.Role == permission.RoleHost {
		return newError(KindPermissionDenied, "the host role cannot be changed directly")
	}
	if target.Role == role {
		return nil
	}

	target.Role = role
	w.dirty = true
	w.broadcast(protocol.Must(protocol.UpdateRole, RolePayload{
		ParticipantID: target.DisplayHash,
		Role:          role,
		Permissions:   w.session.Permissions(target).Names(),
	}), "")
	return nil
}

func (w *worker) updateNickname(participantID, nickname string) error {
	p, err := w.participant(participantID)
	if err != nil {
		return err
	}
	if !w.session.Can(p, permission.UpdateProfile) {
		return denied(permission.UpdateProfile)
	}
	nickname, err = ValidateNickname(nickname)
	if err != nil {
		return err
	}

	p.Nickname = nickname
	w.dirty = true
	w.broadcast(protocol.Must(protocol.UpdateNickname, NicknamePayload{ParticipantID: p.DisplayHash, Nickname: nickname}), "")
	return nil
}

func (w *worker) chat(participantID, text string) error {
	p, err := w.participant(participantID)
	if err != nil {
		return err
	}
	if !w.session.Can(p, permission.Chat) {
		return denied(permission.Chat)
	}
	text, err = ValidateChat(text)
	if err != nil {
		return err
	}

	w.broadcast(protocol.Must(protocol.ChatMessage, ChatPayload{
		ID:            ulid.Make().String(),
		ParticipantID: p.DisplayHash,
		Nickname:      p.Nickname,
		Color:         p.Color,
		Text:          text,
		SentAt:        w.m.clock.Now(),
	}), "")
	return nil
}
