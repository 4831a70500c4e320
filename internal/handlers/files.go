package handlers

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/filerelay"
	"github.com/webconsole-io/gateway/internal/logutil"
	"github.com/webconsole-io/gateway/internal/middleware"
)

// cleanPath rejects traversal attempts before a path reaches a remote
// command or file channel.
func cleanPath(p string) (string, error) {
	if p == "" || strings.Contains(p, "..") {
		return "", fmt.Errorf("%w: path %q", errs.ErrInvalidArgument, p)
	}
	return p, nil
}

func (h *Handlers) listFiles(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	dir, err := cleanPath(r.URL.Query().Get("path"))
	if err != nil {
		writeErr(w, err)
		return
	}
	listing, err := h.Files.List(r.Context(), targetID, dir)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handlers) fileSizes(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	var body struct {
		Path  string   `json:"path"`
		Names []string `json:"names"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	dir, err := cleanPath(body.Path)
	if err != nil {
		writeErr(w, err)
		return
	}
	sizes, err := h.Files.Sizes(r.Context(), targetID, dir, body.Names)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sizes)
}

func (h *Handlers) mkdir(w http.ResponseWriter, r *http.Request) {
	h.mutatePath(w, r, func(targetID, userID, p string) error {
		return h.Files.Mkdir(r.Context(), targetID, userID, p)
	})
}

func (h *Handlers) deletePath(w http.ResponseWriter, r *http.Request) {
	h.mutatePath(w, r, func(targetID, userID, p string) error {
		return h.Files.Delete(r.Context(), targetID, userID, p)
	})
}

func (h *Handlers) mutatePath(w http.ResponseWriter, r *http.Request, op func(targetID, userID, p string) error) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	var body struct {
		Path string `json:"path"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := cleanPath(body.Path)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := op(targetID, middleware.UserID(r), p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) chmod(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	var body struct {
		Path      string `json:"path"`
		Mode      string `json:"mode"`
		Recursive bool   `json:"recursive"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := cleanPath(body.Path)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.Files.Chmod(r.Context(), targetID, middleware.UserID(r), p, body.Mode, body.Recursive); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) archive(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	var body struct {
		Path string `json:"path"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := cleanPath(body.Path)
	if err != nil {
		writeErr(w, err)
		return
	}
	archive, err := h.Files.Archive(r.Context(), targetID, middleware.UserID(r), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"archive": archive})
}

func (h *Handlers) download(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	p, err := cleanPath(r.URL.Query().Get("path"))
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, ok := h.Pool.AnyActive(targetID)
	if !ok {
		writeErr(w, fmt.Errorf("%w: no active session on %s", errs.ErrConnection, targetID))
		return
	}
	fc, err := conn.OpenFile()
	if err != nil {
		writeErr(w, fmt.Errorf("%w: open file channel: %v", errs.ErrConnection, err))
		return
	}
	defer fc.Close()

	src, err := fc.Open(p)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: %v", errs.ErrNotFound, err))
		return
	}
	defer src.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
	if size, err := fc.Size(p); err == nil {
		w.Header().Set("Content-Length", fmt.Sprint(size))
	}
	io.Copy(w, src)
}

func (h *Handlers) upload(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	p, err := cleanPath(r.URL.Query().Get("path"))
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, ok := h.Pool.AnyActive(targetID)
	if !ok {
		writeErr(w, fmt.Errorf("%w: no active session on %s", errs.ErrConnection, targetID))
		return
	}
	fc, err := conn.OpenFile()
	if err != nil {
		writeErr(w, fmt.Errorf("%w: open file channel: %v", errs.ErrConnection, err))
		return
	}
	defer fc.Close()

	dst, err := fc.Create(p)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: create %s: %v", errs.ErrConnection, p, err))
		return
	}
	if _, err := io.Copy(dst, r.Body); err != nil {
		dst.Close()
		writeErr(w, fmt.Errorf("%w: upload: %v", errs.ErrConnection, err))
		return
	}
	if err := dst.Close(); err != nil {
		writeErr(w, fmt.Errorf("%w: finish upload: %v", errs.ErrConnection, err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": p})
}

func (h *Handlers) checkTools(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	tools, err := h.Files.CheckTools(r.Context(), targetID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (h *Handlers) installTools(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.resolveTarget(w, r)
	if !ok {
		return
	}
	var lines []string
	err := h.Files.InstallTools(r.Context(), targetID, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "output": lines})
}

func (h *Handlers) copyFiles(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r)
	var body struct {
		SrcSessionID string `json:"srcSessionId"`
		SrcPath      string `json:"srcPath"`
		DstSessionID string `json:"dstSessionId"`
		DstPath      string `json:"dstPath"`
		TaskID       string `json:"taskId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	srcPath, err := cleanPath(body.SrcPath)
	if err != nil {
		writeErr(w, err)
		return
	}
	dstPath, err := cleanPath(body.DstPath)
	if err != nil {
		writeErr(w, err)
		return
	}
	srcTarget, err := h.Registry.GetTargetID(body.SrcSessionID, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	dstTarget, err := h.Registry.GetTargetID(body.DstSessionID, userID)
	if err != nil {
		writeErr(w, err)
		return
	}

	req := filerelay.CopyRequest{
		SrcTargetID: srcTarget,
		SrcPath:     srcPath,
		DstTargetID: dstTarget,
		DstPath:     dstPath,
		UserID:      userID,
		TaskID:      body.TaskID,
	}
	if req.TaskID != "" {
		// Progress flows over the event socket; the request returns at
		// once, so the copy must not inherit the request context.
		go func() {
			if err := h.Relay.Copy(context.Background(), req); err != nil {
				log.Printf("[handlers] copy task %s: %v", logutil.Sanitize(req.TaskID), err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"taskId": req.TaskID})
		return
	}
	if err := h.Relay.Copy(r.Context(), req); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}
