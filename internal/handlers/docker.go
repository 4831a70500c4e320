package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/webconsole-io/gateway/internal/middleware"
)

// resolveTarget maps the session in the URL to its target, enforcing
// ownership along the way.
func (h *Handlers) resolveTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	targetID, err := h.Registry.GetTargetID(chi.URLParam(r, "sessionID"), middleware.UserID(r))
	if err != nil {
		writeErr(w, err)
		return "", false
	}
	return targetID, true
}

func (h *Handlers) dockerContainers(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	containers, err := h.Docker.ListContainers(r.Context(), targetID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (h *Handlers) dockerStats(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	stats, err := h.Docker.ContainerStats(r.Context(), targetID, chi.URLParam(r, "containerID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) dockerRestart(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	if err := h.Docker.RestartContainer(r.Context(), targetID, chi.URLParam(r, "containerID")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (h *Handlers) dockerLogs(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	logs, err := h.Docker.ContainerLogs(r.Context(), targetID, chi.URLParam(r, "containerID"), tail)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}
