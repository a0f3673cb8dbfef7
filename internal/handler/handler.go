package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sprechen/internal/audio"
	"github.com/pavelanni/sprechen/internal/exam"
	"github.com/pavelanni/sprechen/internal/handler/views"
	"github.com/pavelanni/sprechen/internal/model"
	"github.com/pavelanni/sprechen/internal/speech"
	"github.com/pavelanni/sprechen/internal/store"
)

// Recording turns, combined with a section id into a capture owner.
const (
	turnRecord   = "record"
	turnAction   = "action"
	turnResponse = "response"
)

const (
	maxChunkBytes  = 4 << 20
	maxUploadBytes = 32 << 20
)

// fragmentHeader marks requests from the page script that want the updated
// section instead of a redirect.
const fragmentHeader = "X-Fragment"

// History reads the attempt journal.
type History interface {
	ListAttempts(ctx context.Context) ([]model.Attempt, error)
	GetAttemptResult(ctx context.Context, id string) (model.AttemptResult, error)
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Exam     *exam.Exam
	Recorder *audio.Recorder
	Upload   *audio.UploadDevice
	Clips    *audio.Clips
	Autoplay *speech.AutoplayGuard
	History  History // optional
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	exam     *exam.Exam
	recorder *audio.Recorder
	upload   *audio.UploadDevice
	clips    *audio.Clips
	autoplay *speech.AutoplayGuard
	history  History
	config   model.ExamConfig
	owners   map[string]bool
}

// New creates a new Handler.
func New(d Deps, cfg model.ExamConfig) (*Handler, error) {
	if d.Exam == nil || d.Recorder == nil || d.Upload == nil || d.Clips == nil {
		return nil, errors.New("handler needs an exam, a recorder, an upload device and clips")
	}
	if d.Autoplay == nil {
		d.Autoplay = speech.NewAutoplayGuard()
	}
	h := &Handler{
		exam:     d.Exam,
		recorder: d.Recorder,
		upload:   d.Upload,
		clips:    d.Clips,
		autoplay: d.Autoplay,
		history:  d.History,
		config:   cfg,
		owners: map[string]bool{
			views.Owner(model.SectionIntro, turnRecord):      true,
			views.Owner(model.SectionInfo, turnAction):       true,
			views.Owner(model.SectionInfo, turnResponse):     true,
			views.Owner(model.SectionRequests, turnAction):   true,
			views.Owner(model.SectionRequests, turnResponse): true,
		},
	}
	d.Exam.OnRestart(func() {
		h.recorder.Reset()
		h.autoplay.Reset()
	})
	d.Exam.OnRoundReset(func(id model.SectionID) {
		h.recorder.Forget(views.Owner(id, turnAction))
		h.recorder.Forget(views.Owner(id, turnResponse))
	})
	return h, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/static/*", h.handleStatic)
	r.Get("/clips/{clipID}", h.handleClip)

	r.Group(func(r chi.Router) {
		r.Use(h.csrfMiddleware)

		r.Get("/", h.handleIndex)
		r.Get("/report", h.handleReport)
		r.Get("/history", h.handleHistory)
		r.Get("/history/{attemptID}", h.handleAttempt)
		r.Post("/restart", h.handleRestart)

		r.Post("/capture/start", h.handleCaptureStart)
		r.Post("/capture/error", h.handleCaptureError)
		r.Post("/capture/{captureID}/chunk", h.handleCaptureChunk)
		r.Post("/capture/{captureID}/stop", h.handleCaptureStop)

		r.Get("/{part}", h.handleSection)
		r.Post("/part1/record", h.handleIntroRecord)
		r.Post("/{part}/select/{cardID}", h.sectionAction(func(s *exam.Interactive, r *http.Request) error {
			return s.SelectCard(chi.URLParam(r, "cardID"))
		}))
		r.Post("/{part}/change-card", h.sectionAction(func(s *exam.Interactive, _ *http.Request) error {
			return s.ChangeCard()
		}))
		r.Post("/{part}/action", h.sectionAction(func(s *exam.Interactive, r *http.Request) error {
			b, err := h.submission(r, views.Owner(s.Rules().Section, turnAction))
			if err != nil {
				return err
			}
			return s.SubmitAction(b)
		}))
		r.Post("/{part}/continue", h.sectionAction(func(s *exam.Interactive, _ *http.Request) error {
			return s.Continue()
		}))
		r.Post("/{part}/response", h.sectionAction(func(s *exam.Interactive, r *http.Request) error {
			b, err := h.submission(r, views.Owner(s.Rules().Section, turnResponse))
			if err != nil {
				return err
			}
			return s.SubmitResponse(b)
		}))
		r.Post("/{part}/again", h.sectionAction(func(s *exam.Interactive, _ *http.Request) error {
			return s.PlayAgain()
		}))
		r.Post("/{part}/finish", h.handleFinish)
	})
}

// BasePathMiddleware stores the configured URL prefix in the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" || strings.HasSuffix(name, "/") {
		http.NotFound(w, r)
		return
	}
	http.ServeFileFS(w, r, views.Static, name)
}

func (h *Handler) handleClip(w http.ResponseWriter, r *http.Request) {
	b, ok := h.clips.Get(chi.URLParam(r, "clipID"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", b.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(b.Data))
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	p := views.Page{
		Attempt: h.exam.Attempt(),
		Intro:   h.introView(nil),
	}
	for _, id := range []model.SectionID{model.SectionInfo, model.SectionRequests} {
		s, _ := h.exam.Interactive(id)
		p.Sections = append(p.Sections, h.sectionView(s, nil))
	}
	_, p.Finished = h.exam.Report()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.ExamPage(p).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

func (h *Handler) handleSection(w http.ResponseWriter, r *http.Request) {
	id := model.SectionID(chi.URLParam(r, "part"))
	if id == model.SectionIntro {
		h.renderIntro(w, r, http.StatusOK, nil)
		return
	}
	s, ok := h.exam.Interactive(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.renderSection(w, r, s, http.StatusOK, nil)
}

func (h *Handler) handleIntroRecord(w http.ResponseWriter, r *http.Request) {
	b, err := h.submission(r, views.Owner(model.SectionIntro, turnRecord))
	if err == nil {
		err = h.exam.Intro().Submit(b)
	}
	if err != nil {
		slog.Warn("introduction not submitted", "error", err)
	}
	if !isFragment(r) {
		h.redirectOrError(w, r, model.SectionIntro, err)
		return
	}
	h.renderIntro(w, r, statusFor(err), err)
}

// sectionAction adapts an operation on an interactive section to a handler.
func (h *Handler) sectionAction(fn func(*exam.Interactive, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.exam.Interactive(model.SectionID(chi.URLParam(r, "part")))
		if !ok {
			http.NotFound(w, r)
			return
		}
		err := fn(s, r)
		if err != nil {
			slog.Warn("section action failed", "section", s.Rules().Section, "path", r.URL.Path, "error", err)
		}
		if !isFragment(r) {
			h.redirectOrError(w, r, s.Rules().Section, err)
			return
		}
		h.renderSection(w, r, s, statusFor(err), err)
	}
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	s, ok := h.exam.Interactive(model.SectionID(chi.URLParam(r, "part")))
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := s.Finish(); err != nil {
		slog.Warn("finish rejected", "section", s.Rules().Section, "error", err)
		h.redirectOrError(w, r, s.Rules().Section, err)
		return
	}
	http.Redirect(w, r, h.path("/report"), http.StatusSeeOther)
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.exam.Restart(); err != nil {
		slog.Error("restart failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.path("/"), http.StatusSeeOther)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, finished := h.exam.Report()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.ReportPage(views.Report{Report: rep, Finished: finished}).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.historyEntries(r.Context())
	if err != nil {
		slog.Error("failed to list attempts", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.HistoryPage(entries).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

func (h *Handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.NotFound(w, r)
		return
	}
	id := chi.URLParam(r, "attemptID")
	res, err := h.history.GetAttemptResult(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		slog.Error("failed to load attempt", "attempt", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	entries, err := h.historyEntries(r.Context())
	if err != nil {
		slog.Error("failed to list attempts", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	n := 0
	for _, e := range entries {
		if e.Attempt.ID == id {
			n = e.N
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.AttemptPage(n, res).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

// historyEntries numbers attempts in the order they were started. Without a
// journal only the current attempt is known.
func (h *Handler) historyEntries(ctx context.Context) ([]views.HistoryEntry, error) {
	current := h.exam.Attempt()
	if h.history == nil {
		return []views.HistoryEntry{{N: 1, Attempt: current, Current: true}}, nil
	}
	attempts, err := h.history.ListAttempts(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]views.HistoryEntry, 0, len(attempts))
	for i, a := range attempts {
		entries = append(entries, views.HistoryEntry{
			N:       len(attempts) - i,
			Attempt: a,
			Current: a.ID == current.ID,
		})
	}
	return entries, nil
}

// submission returns the recording a submit request refers to: either the
// owner's latest captured clip or an audio file uploaded with the form.
func (h *Handler) submission(r *http.Request, owner string) (audio.Blob, error) {
	if id := r.FormValue("clip"); id != "" {
		if id != h.recorder.LastClip(owner) {
			return audio.Blob{}, errClipMissing
		}
		b, ok := h.clips.Get(id)
		if !ok {
			return audio.Blob{}, errClipMissing
		}
		return b, nil
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return audio.Blob{}, fmt.Errorf("%w: %w", errClipMissing, err)
	}
	f, hdr, err := r.FormFile("audio")
	if err != nil {
		return audio.Blob{}, fmt.Errorf("%w: %w", errClipMissing, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return audio.Blob{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return audio.Blob{}, errClipMissing
	}
	mimeType := hdr.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = audio.DefaultMIMEType
	}
	b := h.recorder.Register(owner, audio.Blob{Data: data, MIMEType: mimeType})
	slog.Debug("audio uploaded with form", "owner", owner, "bytes", len(data), "clip", b.ClipID)
	return b, nil
}

func (h *Handler) introView(err error) views.Intro {
	s := h.exam.Intro()
	v := views.Intro{
		Section:   s.Section(),
		MaxScore:  s.MaxScore(),
		Topics:    s.Topics(),
		State:     s.Snapshot(),
		Recording: h.recorder.LastClip(views.Owner(s.Section(), turnRecord)),
	}
	switch {
	case err != nil:
		v.Error = messageID(err)
	case v.State.Err != nil:
		v.Error = messageID(v.State.Err)
	}
	return v
}

func (h *Handler) sectionView(s *exam.Interactive, err error) views.Section {
	rules, round := s.Rules(), s.Snapshot()
	v := views.Section{
		Rules:        rules,
		Round:        round,
		ActionClip:   h.recorder.LastClip(views.Owner(rules.Section, turnAction)),
		ResponseClip: h.recorder.LastClip(views.Owner(rules.Section, turnResponse)),
	}
	if round.State == model.TurnUserResponse && round.PromptClip != "" {
		v.Autoplay = h.autoplay.Fire(fmt.Sprintf("%s/%d/%s", rules.Section, round.Generation, round.PromptClip))
	}
	switch {
	case err != nil:
		v.Error = messageID(err)
	case round.Err != nil:
		v.Error = messageID(round.Err)
	}
	return v
}

func (h *Handler) renderIntro(w http.ResponseWriter, r *http.Request, status int, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := views.IntroFragment(h.introView(err)).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

func (h *Handler) renderSection(w http.ResponseWriter, r *http.Request, s *exam.Interactive, status int, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := views.SectionFragment(h.sectionView(s, err)).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

// redirectOrError answers a plain form post: back to the section on
// success, a localized error otherwise.
func (h *Handler) redirectOrError(w http.ResponseWriter, r *http.Request, id model.SectionID, err error) {
	if err != nil {
		http.Error(w, localize(r.Context(), err), statusFor(err))
		return
	}
	http.Redirect(w, r, h.path("/#"+string(id)), http.StatusSeeOther)
}

// isFragment reports whether the page script asked for a partial update.
func isFragment(r *http.Request) bool {
	return r.Header.Get(fragmentHeader) == "true"
}
