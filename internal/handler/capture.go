package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sprechen/internal/audio"
)

func (h *Handler) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	owner := r.FormValue("owner")
	if !h.owners[owner] {
		http.Error(w, "unknown recording owner", http.StatusBadRequest)
		return
	}
	c, err := h.recorder.Start(r.Context(), owner)
	if err != nil {
		slog.Warn("capture not started", "owner", owner, "error", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": c.ID})
}

func (h *Handler) handleCaptureChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "captureID")
	body := http.MaxBytesReader(w, r.Body, maxChunkBytes)
	n, err := h.upload.Feed(id, r.Header.Get("Content-Type"), body)
	if err != nil {
		if !errors.Is(err, audio.ErrNoCapture) {
			slog.Error("capture chunk failed", "capture", id, "error", err)
		}
		writeError(w, r, err)
		return
	}
	slog.Debug("capture chunk", "capture", id, "bytes", n)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "captureID")
	b, err := h.recorder.Stop(id)
	if err != nil {
		slog.Warn("capture stop failed", "capture", id, "error", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clip":  b.ClipID,
		"url":   h.path("/clips/" + b.ClipID),
		"type":  b.MIMEType,
		"bytes": len(b.Data),
	})
}

// handleCaptureError translates a browser microphone failure into a
// localized message.
func (h *Handler) handleCaptureError(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	err := audio.ClassifyDeviceError(name)
	slog.Warn("microphone unavailable", "name", name, "error", err)
	writeJSON(w, http.StatusOK, map[string]string{
		"error":   err.Error(),
		"code":    messageID(err),
		"message": localize(r.Context(), err),
	})
}
