package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/coderoom/backend/internal/db"
	"github.com/manpreetbhatti/coderoom/backend/internal/permission"
	"github.com/manpreetbhatti/coderoom/backend/internal/room"
	"github.com/manpreetbhatti/coderoom/backend/internal/ws"
)

// Config tunes the HTTP surface
type Config struct {
	AllowedOrigins []string
	SecureCookies  bool
	TokenTTL       time.Duration
}

type API struct {
	rooms    *room.Manager
	hub      *ws.Hub
	database *db.Database
	cfg      Config
	logger   zerolog.Logger
}

func New(rooms *room.Manager, hub *ws.Hub, database *db.Database, cfg Config, logger zerolog.Logger) *API {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &API{
		rooms:    rooms,
		hub:      hub,
		database: database,
		cfg:      cfg,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error().Err(err).Msg("encoding JSON response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// roomError writes a room failure with its kind as the error code
func (a *API) roomError(w http.ResponseWriter, err error) {
	kind := room.KindOf(err)
	if kind == "" {
		a.logger.Error().Err(err).Msg("request failed")
		a.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	message := err.Error()
	var roomErr *room.Error
	if errors.As(err, &roomErr) && roomErr.Message != "" {
		message = roomErr.Message
	}
	a.jsonResponse(w, statusFor(kind), map[string]string{"error": message, "code": string(kind)})
}

func statusFor(kind room.Kind) int {
	switch kind {
	case room.KindRoomNotFound, room.KindRoomClosed, room.KindParticipantNotFound,
		room.KindFileNotFound, room.KindHostNotFound:
		return http.StatusNotFound
	case room.KindRoomFull, room.KindFileExists, room.KindClaimAlreadyPending, room.KindNoPendingClaim:
		return http.StatusConflict
	case room.KindPasswordRequired, room.KindInvalidPassword, room.KindUnauthorized:
		return http.StatusUnauthorized
	case room.KindPermissionDenied:
		return http.StatusForbidden
	case room.KindDocumentTooLarge:
		return http.StatusRequestEntityTooLarge
	case room.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// decodeBody reads an optional JSON body
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	roomStats := a.rooms.Stats()
	stats := map[string]interface{}{
		"loaded_rooms":        roomStats.Rooms,
		"online_participants": roomStats.OnlineParticipants,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}
	if a.hub != nil {
		stats["active_rooms"] = a.hub.GetRoomCount()
		stats["active_clients"] = a.hub.GetClientCount()
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["stored_snapshots"] = dbStats["snapshot_count"]
			stats["snapshot_bytes"] = dbStats["snapshot_bytes"]
		} else {
			a.logger.Warn().Err(err).Msg("reading database stats")
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type CreateCustomRoomRequest struct {
	MaxParticipants int    `json:"maxParticipants"`
	Password        string `json:"password,omitempty"`
	HostPassword    string `json:"hostPassword,omitempty"`
}

type JoinRoomRequest struct {
	Nickname string `json:"nickname"`
	Password string `json:"password,omitempty"`
}

func (a *API) CreateQuickRoomHandler(w http.ResponseWriter, r *http.Request) {
	view, err := a.rooms.CreateRoom(r.Context(), room.CreateOptions{Type: permission.RoomQuick})
	if err != nil {
		a.roomError(w, err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, view)
}

func (a *API) CreateCustomRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomRoomRequest
	if err := decodeBody(r, &req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	view, err := a.rooms.CreateRoom(r.Context(), room.CreateOptions{
		Type:            permission.RoomCustom,
		MaxParticipants: req.MaxParticipants,
		Password:        req.Password,
		HostPassword:    req.HostPassword,
	})
	if err != nil {
		a.roomError(w, err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, view)
}

func (a *API) JoinableHandler(w http.ResponseWriter, r *http.Request) {
	status, err := a.rooms.Joinable(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		a.roomError(w, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, status)
}

// JoinRoomHandler exchanges a nickname and password for a room token. The
// token is returned in the body and set as a cookie for the socket.
func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	code, ok := room.NormalizeCode(chi.URLParam(r, "code"))
	if !ok {
		a.roomError(w, room.ErrRoomNotFound)
		return
	}
	var req JoinRoomRequest
	if err := decodeBody(r, &req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	admission, err := a.rooms.Admit(r.Context(), code, room.Credentials{Nickname: req.Nickname, Password: req.Password})
	if err != nil {
		a.roomError(w, err)
		return
	}

	cookie := &http.Cookie{
		Name:     ws.TokenCookie,
		Value:    admission.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if a.cfg.TokenTTL > 0 {
		cookie.MaxAge = int(a.cfg.TokenTTL.Seconds())
	}
	http.SetCookie(w, cookie)

	a.jsonResponse(w, http.StatusOK, admission)
}

// DestroyRoomHandler destroys a room on behalf of a token holder with the
// destroy-room capability.
func (a *API) DestroyRoomHandler(w http.ResponseWriter, r *http.Request) {
	code, ok := room.NormalizeCode(chi.URLParam(r, "code"))
	if !ok {
		a.roomError(w, room.ErrRoomNotFound)
		return
	}

	participantID, err := a.rooms.VerifyToken(code, requestToken(r))
	if err != nil {
		a.roomError(w, err)
		return
	}
	if err := a.rooms.Destroy(r.Context(), code, participantID); err != nil {
		a.roomError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestToken reads a bearer token, falling back to the room cookie
func requestToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(ws.TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
