// Package handlers wires the HTTP and websocket API to the session core.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/webconsole-io/gateway/internal/auth"
	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/dockerproxy"
	"github.com/webconsole-io/gateway/internal/filerelay"
	"github.com/webconsole-io/gateway/internal/files"
	"github.com/webconsole-io/gateway/internal/middleware"
	"github.com/webconsole-io/gateway/internal/registry"
	"github.com/webconsole-io/gateway/internal/sshpool"
	"github.com/webconsole-io/gateway/internal/target"
)

// Handlers bundles the services the API exposes.
type Handlers struct {
	Registry *registry.Registry
	Docker   *dockerproxy.Proxy
	Files    *files.Service
	Relay    *filerelay.Relay
	Targets  *target.Registry
	Pool     *sshpool.Pool
	Bus      *bus.Bus
	Verifier *auth.Verifier
}

// Router builds the chi router for the full API surface.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser(h.Verifier))

		r.Get("/targets", h.listTargets)
		r.Get("/ws", h.eventSocket)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.listSessions)
			r.Post("/", h.createSession)
			r.Post("/reorder", h.reorderSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Delete("/", h.terminateSession)
				r.Post("/restore", h.restoreSession)
				r.Post("/view-mode", h.setViewMode)
				r.Post("/keepalive", h.keepAlive)
				r.Post("/input", h.sessionInput)
				r.Get("/history", h.sessionHistory)

				r.Route("/docker", func(r chi.Router) {
					r.Get("/containers", h.dockerContainers)
					r.Get("/containers/{containerID}/stats", h.dockerStats)
					r.Post("/containers/{containerID}/restart", h.dockerRestart)
					r.Get("/containers/{containerID}/logs", h.dockerLogs)
				})

				r.Route("/files", func(r chi.Router) {
					r.Get("/", h.listFiles)
					r.Post("/sizes", h.fileSizes)
					r.Post("/mkdir", h.mkdir)
					r.Post("/delete", h.deletePath)
					r.Post("/chmod", h.chmod)
					r.Post("/archive", h.archive)
					r.Get("/download", h.download)
					r.Post("/upload", h.upload)
					r.Get("/tools", h.checkTools)
					r.Post("/tools/install", h.installTools)
				})
			})
		})

		r.Post("/copy", h.copyFiles)
	})

	return r
}

func (h *Handlers) listTargets(w http.ResponseWriter, r *http.Request) {
	type targetInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Host string `json:"host"`
	}
	targets := h.Targets.List()
	out := make([]targetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, targetInfo{ID: t.ID, Name: t.Name, Host: t.Host})
	}
	writeJSON(w, http.StatusOK, out)
}
