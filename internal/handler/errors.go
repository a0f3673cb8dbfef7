package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/sprechen/internal/audio"
	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/exam"
	appI18n "github.com/pavelanni/sprechen/internal/i18n"
	"github.com/pavelanni/sprechen/internal/llm"
)

var errClipMissing = errors.New("recording not available")

// messageID maps an error to the message shown to the candidate.
func messageID(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrPermissionDenied):
		return "ErrMicPermission"
	case errors.Is(err, audio.ErrDeviceNotFound):
		return "ErrMicNotFound"
	case errors.Is(err, audio.ErrUnsupported):
		return "ErrMicUnsupported"
	case errors.Is(err, audio.ErrCaptureBusy):
		return "ErrMicBusy"
	case errors.Is(err, audio.ErrUnknownCapture):
		return "ErrMicUnknown"
	case errors.Is(err, errClipMissing), errors.Is(err, audio.ErrNoCapture):
		return "ErrClipMissing"
	case errors.Is(err, exam.ErrBusy):
		return "ErrBusy"
	case errors.Is(err, exam.ErrWrongState), errors.Is(err, exam.ErrStale),
		errors.Is(err, exam.ErrUnknownCard), errors.Is(err, catalog.ErrPoolTooSmall):
		return "ErrWrongState"
	case errors.Is(err, llm.ErrRemoteCallFailed), errors.Is(err, llm.ErrMalformedResponse):
		return "ErrEvaluation"
	}
	return "ErrGeneric"
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, exam.ErrBusy), errors.Is(err, exam.ErrWrongState),
		errors.Is(err, audio.ErrCaptureBusy), errors.Is(err, catalog.ErrPoolTooSmall):
		return http.StatusConflict
	case errors.Is(err, exam.ErrUnknownCard), errors.Is(err, errClipMissing):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrNoCapture):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrRemoteCallFailed), errors.Is(err, llm.ErrMalformedResponse):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func localize(ctx context.Context, err error) string {
	return appI18n.T(ctx, messageID(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError answers a script request with the error and its localized text.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error":   err.Error(),
		"code":    messageID(err),
		"message": localize(r.Context(), err),
	})
}
