package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/callbridge/pkg/factory"
	"github.com/silviot/callbridge/pkg/provider"
)

// CreateRequest is the body of POST /api/v1/sessions
type CreateRequest struct {
	Category string `json:"category"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Token    string `json:"token,omitempty"`
}

// ToggleRequest is the body of the audio and video toggles
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Register mounts the session API on mux
func (m *Manager) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", m.HandleCreate)
	mux.HandleFunc("GET /api/v1/sessions", m.HandleList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", m.HandleGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", m.HandleLeave)
	mux.HandleFunc("POST /api/v1/sessions/{id}/audio", m.HandleToggle(provider.Provider.ToggleAudio))
	mux.HandleFunc("POST /api/v1/sessions/{id}/video", m.HandleToggle(provider.Provider.ToggleVideo))
	mux.HandleFunc("POST /api/v1/sessions/{id}/screenshare", m.HandleStartScreenShare)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/screenshare", m.HandleStopScreenShare)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", m.HandleEvents)
}

// HandleCreate handles POST /api/v1/sessions
func (m *Manager) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	join := provider.JoinConfig{RoomID: req.RoomID, UserID: req.UserID, UserName: req.UserName, Token: req.Token}
	if err := join.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := m.Create(r.Context(), factory.Category(req.Category), join)
	if err != nil {
		m.logger.Error("failed to create session", "room", req.RoomID, "category", req.Category, "error", err)
		writeError(w, statusOf(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// HandleList handles GET /api/v1/sessions
func (m *Manager) HandleList(w http.ResponseWriter, r *http.Request) {
	out := []Snapshot{}
	for _, id := range m.List() {
		if s, err := m.Get(id); err == nil {
			out = append(out, s.Snapshot())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /api/v1/sessions/{id}
func (m *Manager) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// HandleLeave handles DELETE /api/v1/sessions/{id}
func (m *Manager) HandleLeave(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.Leave(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		m.logger.Error("failed to leave session", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left", "id": id})
}

// HandleToggle returns the handler for an audio or video toggle
func (m *Manager) HandleToggle(toggle func(provider.Provider, bool) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := m.lookup(w, r)
		if !ok {
			return
		}
		var req ToggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			writeError(w, http.StatusBadRequest, "enabled required")
			return
		}
		enabled, err := toggle(s.provider, *req.Enabled)
		if err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

// HandleStartScreenShare handles POST /api/v1/sessions/{id}/screenshare
func (m *Manager) HandleStartScreenShare(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(w, r)
	if !ok {
		return
	}
	if err := s.provider.StartScreenShare(r.Context()); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"screenSharing": s.provider.State().IsScreenSharing})
}

// HandleStopScreenShare handles DELETE /api/v1/sessions/{id}/screenshare
func (m *Manager) HandleStopScreenShare(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(w, r)
	if !ok {
		return
	}
	if err := s.provider.StopScreenShare(); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"screenSharing": s.provider.State().IsScreenSharing})
}

// HandleEvents streams the session's events over a websocket until the
// session is left or the client goes away
func (m *Manager) HandleEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(w, r)
	if !ok {
		return
	}
	events, cancel := s.provider.Subscribe(64)
	defer cancel()

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("event stream upgrade failed", "session", s.ID, "error", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				m.logger.Debug("event stream write failed", "session", s.ID, "error", err)
				return
			}
			if ev.Kind == provider.EventDisconnected && ev.Reason == "left" {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "left"))
				return
			}
		}
	}
}

func (m *Manager) lookup(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, err := m.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return s, true
}

// statusOf maps provider and manager errors to HTTP statuses
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrTooManySessions), errors.Is(err, factory.ErrNoConstructor):
		return http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrNotJoined), errors.Is(err, provider.ErrLeft):
		return http.StatusConflict
	}
	var pe *provider.Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Kind {
	case provider.PermissionDenied:
		return http.StatusForbidden
	case provider.DeviceNotFound, provider.DeviceBusy:
		return http.StatusUnprocessableEntity
	case provider.BackendUnreachable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
