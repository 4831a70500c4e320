package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webconsole-io/gateway/internal/middleware"
	"github.com/webconsole-io/gateway/internal/registry"
)

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
		Command   string `json:"command"`
		Name      string `json:"name"`
		ViewMode  string `json:"viewMode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	info, err := h.Registry.Create(r.Context(), registry.CreateRequest{
		SessionID: body.SessionID,
		UserID:    middleware.UserID(r),
		TargetID:  body.TargetID,
		Command:   body.Command,
		Name:      body.Name,
		ViewMode:  body.ViewMode,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if info.Status == registry.StatusAlreadyConnected {
		status = http.StatusOK
	}
	writeJSON(w, status, info)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.List(middleware.UserID(r)))
}

func (h *Handlers) terminateSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Terminate(chi.URLParam(r, "sessionID"), middleware.UserID(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (h *Handlers) restoreSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.Registry.Restore(r.Context(), chi.URLParam(r, "sessionID"), middleware.UserID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) setViewMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ViewMode string `json:"viewMode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.Registry.SetViewMode(chi.URLParam(r, "sessionID"), middleware.UserID(r), body.ViewMode); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"viewMode": body.ViewMode})
}

func (h *Handlers) keepAlive(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.KeepAlive(chi.URLParam(r, "sessionID"), middleware.UserID(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) sessionInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data string `json:"data"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.Registry.Write(chi.URLParam(r, "sessionID"), middleware.UserID(r), []byte(body.Data)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) sessionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Registry.History(chi.URLParam(r, "sessionID"), middleware.UserID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"history": history})
}

func (h *Handlers) reorderSessions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionIDs []string `json:"sessionIds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.Registry.Reorder(middleware.UserID(r), body.SessionIDs); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
