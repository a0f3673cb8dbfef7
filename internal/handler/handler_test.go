package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sprechen/internal/audio"
	"github.com/pavelanni/sprechen/internal/catalog"
	"github.com/pavelanni/sprechen/internal/exam"
	appI18n "github.com/pavelanni/sprechen/internal/i18n"
	"github.com/pavelanni/sprechen/internal/llm"
	"github.com/pavelanni/sprechen/internal/llm/prompts"
	"github.com/pavelanni/sprechen/internal/model"
	"github.com/pavelanni/sprechen/internal/store"
)

const testToken = "test-csrf-token"

type fakeEvaluator struct {
	mu    sync.Mutex
	score float64
	err   error
}

func (f *fakeEvaluator) Evaluate(_ context.Context, req llm.Request) (llm.Result, error) {
	f.mu.Lock()
	score, err := f.score, f.err
	f.mu.Unlock()
	if err != nil {
		return llm.Result{}, err
	}
	if !req.Structured {
		return llm.Result{Text: "Was essen Sie gern zum Frühstück?"}, nil
	}
	return llm.Result{Eval: &model.EvaluationResult{
		Transcription: "Ich esse gern Brot.",
		Score:         score,
		Feedback:      "Sehr schön gesagt.",
		CorrectText:   "Ich esse gern Brot.",
		AIResponse:    "Ja, sehr gern.",
	}}, nil
}

type fakeSpeaker struct{}

func (fakeSpeaker) Prompt(context.Context, string) (string, error) { return "prompt-clip", nil }

type testEnv struct {
	router   http.Handler
	exam     *exam.Exam
	eval     *fakeEvaluator
	clips    *audio.Clips
	recorder *audio.Recorder
}

func newTestEnv(t *testing.T, basePath string) *testEnv {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("init i18n: %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	pb, err := prompts.New(prompts.PromptStandard, "English")
	if err != nil {
		t.Fatalf("prompts: %v", err)
	}
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eval := &fakeEvaluator{score: 1}
	ex, err := exam.New(exam.Config{
		Catalog: cat,
		Deps: exam.Deps{
			Prompts:   pb,
			Evaluator: eval,
			Speaker:   fakeSpeaker{},
			Timeout:   time.Second,
			Rand:      rand.New(rand.NewPCG(1, 2)),
		},
		Journal: db,
	})
	if err != nil {
		t.Fatalf("exam: %v", err)
	}
	t.Cleanup(ex.Wait)

	clips := audio.NewClips()
	upload := audio.NewUploadDevice()
	recorder := audio.NewRecorder(upload, clips, time.Minute)
	h, err := New(Deps{
		Exam:     ex,
		Recorder: recorder,
		Upload:   upload,
		Clips:    clips,
		History:  db,
	}, model.ExamConfig{BasePath: basePath})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}
	return &testEnv{router: r, exam: ex, eval: eval, clips: clips, recorder: recorder}
}

// post sends a form with a valid CSRF token. fragment marks it as a script request.
func (e *testEnv) post(t *testing.T, target string, form url.Values, fragment bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(csrfHeaderName, testToken)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testToken})
	if fragment {
		req.Header.Set(fragmentHeader, "true")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// clip stores a recording as owner's latest clip, as a finished capture does.
func (e *testEnv) clip(owner string) string {
	return e.recorder.Register(owner, audio.Blob{Data: []byte("webm"), MIMEType: audio.DefaultMIMEType}).ClipID
}

// upload posts an audio file with a multipart form.
func (e *testEnv) upload(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "answer.webm")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("uploaded audio"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(csrfHeaderName, testToken)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testToken})
	req.Header.Set(fragmentHeader, "true")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestIndexPage(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.get(t, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Introduce yourself.", "Ask for and give information.", "Make requests and respond to them.", "Name?", "12 cards available"} {
		if !strings.Contains(body, want) {
			t.Errorf("index page missing %q", want)
		}
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), csrfCookieName) {
		t.Error("expected CSRF cookie on first visit")
	}
}

func TestCSRFRequired(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/restart", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("POST without cookie status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/restart", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testToken})
	req.Header.Set(csrfHeaderName, "other-token-of-other-size")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("POST with wrong token status = %d, want 403", rec.Code)
	}
}

func TestCaptureAndIntroduction(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.post(t, "/capture/start", url.Values{"owner": {"part1-record"}}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("capture start status = %d: %s", rec.Code, rec.Body)
	}
	var started struct{ ID string }
	if err := json.NewDecoder(rec.Body).Decode(&started); err != nil || started.ID == "" {
		t.Fatalf("capture start body: %v %q", err, started.ID)
	}

	for _, chunk := range []string{"first-", "second"} {
		req := httptest.NewRequest(http.MethodPost, "/capture/"+started.ID+"/chunk", strings.NewReader(chunk))
		req.Header.Set("Content-Type", "audio/webm;codecs=opus")
		req.Header.Set(csrfHeaderName, testToken)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testToken})
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("chunk status = %d: %s", rec.Code, rec.Body)
		}
	}

	rec = env.post(t, "/capture/"+started.ID+"/stop", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("capture stop status = %d: %s", rec.Code, rec.Body)
	}
	var stopped struct {
		Clip  string
		Bytes int
	}
	if err := json.NewDecoder(rec.Body).Decode(&stopped); err != nil {
		t.Fatalf("capture stop body: %v", err)
	}
	if stopped.Bytes != len("first-second") {
		t.Errorf("recorded %d bytes", stopped.Bytes)
	}

	clip := env.get(t, "/clips/"+stopped.Clip)
	if clip.Body.String() != "first-second" || clip.Header().Get("Content-Type") != "audio/webm;codecs=opus" {
		t.Errorf("clip served %q as %q", clip.Body, clip.Header().Get("Content-Type"))
	}

	rec = env.post(t, "/part1/record", url.Values{"clip": {stopped.Clip}}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body)
	}
	env.exam.Wait()

	if got := env.exam.Scores().Part1; got != 3 {
		t.Errorf("part1 score = %v, want 3", got)
	}
	frag := env.get(t, "/part1").Body.String()
	for _, want := range []string{"Sehr schön gesagt.", "3.0 / 3.0", "Say it again", "/clips/" + stopped.Clip} {
		if !strings.Contains(frag, want) {
			t.Errorf("part1 fragment missing %q", want)
		}
	}
}

func TestCaptureBusyAndErrors(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.post(t, "/capture/start", url.Values{"owner": {"part9-x"}}, true); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown owner status = %d", rec.Code)
	}
	if rec := env.post(t, "/capture/start", url.Values{"owner": {"part2-action"}}, true); rec.Code != http.StatusCreated {
		t.Fatalf("first start status = %d", rec.Code)
	}
	rec := env.post(t, "/capture/start", url.Values{"owner": {"part3-action"}}, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["code"] != "ErrMicBusy" {
		t.Errorf("code = %q", body["code"])
	}

	if rec := env.post(t, "/capture/missing/stop", nil, true); rec.Code != http.StatusNotFound {
		t.Errorf("stop unknown capture status = %d", rec.Code)
	}

	rec = env.post(t, "/capture/error", url.Values{"name": {"NotAllowedError"}}, true)
	body = map[string]string{}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if !strings.HasPrefix(body["message"], "Microphone access was denied") {
		t.Errorf("permission message = %q", body["message"])
	}
}

func TestInteractiveRound(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.post(t, "/part2/select/"+url.PathEscape("Frühstück"), nil, true); rec.Code != http.StatusOK {
		t.Fatalf("select status = %d: %s", rec.Code, rec.Body)
	}
	if rec := env.post(t, "/part2/action", url.Values{"clip": {env.clip("part2-action")}}, true); rec.Code != http.StatusOK {
		t.Fatalf("action status = %d: %s", rec.Code, rec.Body)
	}
	env.exam.Wait()

	action := env.get(t, "/part2").Body.String()
	if !strings.Contains(action, "Ja, sehr gern.") {
		t.Error("examiner reply to the question not shown")
	}
	if strings.Contains(action, " autoplay ") {
		t.Error("examiner reply should not autoplay")
	}

	if rec := env.post(t, "/part2/continue", nil, true); rec.Code != http.StatusOK {
		t.Fatalf("continue status = %d: %s", rec.Code, rec.Body)
	}
	env.exam.Wait()

	first := env.get(t, "/part2").Body.String()
	if !strings.Contains(first, "Was essen Sie gern zum Frühstück?") {
		t.Error("examiner prompt not shown")
	}
	if !strings.Contains(first, " autoplay ") {
		t.Error("prompt should autoplay on first render")
	}
	if again := env.get(t, "/part2").Body.String(); strings.Contains(again, " autoplay ") {
		t.Error("prompt should autoplay only once")
	}

	if rec := env.post(t, "/part2/response", url.Values{"clip": {env.clip("part2-response")}}, true); rec.Code != http.StatusOK {
		t.Fatalf("response status = %d: %s", rec.Code, rec.Body)
	}
	env.exam.Wait()

	done := env.get(t, "/part2").Body.String()
	if !strings.Contains(done, "Pick another card") {
		t.Error("completed round should offer another card")
	}
	if got := env.exam.Scores().Part2; got != 6 {
		t.Errorf("part2 score = %v, want 6", got)
	}

	if rec := env.post(t, "/part2/again", nil, false); rec.Code != http.StatusSeeOther {
		t.Errorf("again status = %d", rec.Code)
	}
}

func TestSubmitErrors(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.post(t, "/part2/action", url.Values{"clip": {env.clip("part2-action")}}, false)
	if rec.Code != http.StatusConflict {
		t.Errorf("action before card status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "This action is not possible right now.") {
		t.Errorf("body = %q", rec.Body)
	}

	if rec := env.post(t, "/part2/select/nope", nil, false); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown card status = %d", rec.Code)
	}

	env.post(t, "/part3/select/card-8", nil, true)
	rec = env.post(t, "/part3/action", url.Values{"clip": {"revoked"}}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing clip status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "The recording is no longer available.") {
		t.Error("missing clip message not rendered in fragment")
	}

	if rec := env.post(t, "/part4/change-card", nil, true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown section status = %d", rec.Code)
	}
}

func TestFragmentHeader(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/part2/select/"+url.PathEscape("Frühstück"), nil)
	req.Header.Set(csrfHeaderName, testToken)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testToken})
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther {
		t.Errorf("HX-Request status = %d, want a full-page redirect", rec.Code)
	}

	rec = env.post(t, "/part2/change-card", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("fragment status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, `<section id="part2"`) {
		t.Errorf("fragment should be the bare section, got %.40q", body)
	}
}

func TestFormUploadsReplacePreviousClip(t *testing.T) {
	env := newTestEnv(t, "")

	for i := 0; i < 5; i++ {
		if rec := env.upload(t, "/part1/record"); rec.Code != http.StatusOK {
			t.Fatalf("upload %d status = %d: %s", i, rec.Code, rec.Body)
		}
		env.exam.Wait()
	}
	if n := env.clips.Len(); n != 1 {
		t.Errorf("clips after 5 uploads = %d, want 1", n)
	}
	last := env.recorder.LastClip("part1-record")
	if last == "" {
		t.Fatal("upload should become the latest recording")
	}
	if body := env.get(t, "/clips/"+last).Body.String(); body != "uploaded audio" {
		t.Errorf("clip body = %q", body)
	}

	env.post(t, "/restart", nil, false)
	if n := env.clips.Len(); n != 0 {
		t.Errorf("clips after restart = %d, want 0", n)
	}
}

func TestSubmitRejectsForeignClip(t *testing.T) {
	env := newTestEnv(t, "")

	env.post(t, "/part2/select/Brot", nil, true)
	foreign := env.clip("part3-action")
	rec := env.post(t, "/part2/action", url.Values{"clip": {foreign}}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("foreign clip status = %d, want 400", rec.Code)
	}
	prompt := env.clips.Put(audio.Blob{Data: []byte("wav"), MIMEType: "audio/wav"})
	if rec := env.post(t, "/part2/action", url.Values{"clip": {prompt}}, true); rec.Code != http.StatusBadRequest {
		t.Errorf("unowned clip status = %d, want 400", rec.Code)
	}
	if rec := env.post(t, "/part2/action", url.Values{"clip": {env.clip("part2-action")}}, true); rec.Code != http.StatusOK {
		t.Errorf("own clip status = %d: %s", rec.Code, rec.Body)
	}
	env.exam.Wait()
}

func TestNewRoundReleasesRecordings(t *testing.T) {
	env := newTestEnv(t, "")

	env.post(t, "/part2/select/Brot", nil, true)
	action := env.clip("part2-action")
	env.post(t, "/part2/change-card", nil, true)

	if _, ok := env.clips.Get(action); ok {
		t.Error("changing the card should revoke the round's recording")
	}
	if env.recorder.LastClip("part2-action") != "" {
		t.Error("no recording should remain for the dropped round")
	}
}

func TestRemoteFailureShowsRetry(t *testing.T) {
	env := newTestEnv(t, "")
	env.eval.mu.Lock()
	env.eval.err = fmt.Errorf("%w: timeout", llm.ErrRemoteCallFailed)
	env.eval.mu.Unlock()

	env.post(t, "/part3/select/card-1", nil, true)
	env.post(t, "/part3/action", url.Values{"clip": {env.clip("part3-action")}}, true)
	env.exam.Wait()

	frag := env.get(t, "/part3").Body.String()
	if !strings.Contains(frag, "An error occurred during the evaluation.") {
		t.Error("evaluation error not shown")
	}
	if !strings.Contains(frag, "12 cards available") {
		t.Error("failed round should return to card selection")
	}
}

func TestFinishReportAndRestart(t *testing.T) {
	env := newTestEnv(t, "")

	env.post(t, "/part3/select/card-8", nil, true)
	env.post(t, "/part3/action", url.Values{"clip": {env.clip("part3-action")}}, true)
	env.exam.Wait()
	env.post(t, "/part3/continue", nil, true)
	env.exam.Wait()
	env.post(t, "/part3/response", url.Values{"clip": {env.clip("part3-response")}}, true)
	env.exam.Wait()

	if report := env.get(t, "/report").Body.String(); !strings.Contains(report, "The exam is not finished yet.") {
		t.Error("report should wait for finish")
	}

	rec := env.post(t, "/part3/finish", nil, false)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/report" {
		t.Fatalf("finish = %d to %q", rec.Code, rec.Header().Get("Location"))
	}
	report := env.get(t, "/report").Body.String()
	for _, want := range []string{"Final result", "10.0 / 25.0", "40%", "Nicht bestanden", "Failed"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q", want)
		}
	}

	if rec := env.post(t, "/part3/finish", nil, false); rec.Code != http.StatusConflict {
		t.Errorf("second finish status = %d, want 409", rec.Code)
	}

	history := env.get(t, "/history").Body.String()
	if !strings.Contains(history, "Attempt 1") {
		t.Error("history should list the first attempt")
	}

	first := env.exam.Attempt().ID
	if rec := env.post(t, "/restart", nil, false); rec.Code != http.StatusSeeOther {
		t.Fatalf("restart status = %d", rec.Code)
	}
	if env.exam.Attempt().ID == first {
		t.Error("restart should start a new attempt")
	}
	if _, finished := env.exam.Report(); finished {
		t.Error("report should be cleared by restart")
	}
	if got := env.get(t, "/history").Body.String(); !strings.Contains(got, "Attempt 2") {
		t.Error("history should list the second attempt")
	}

	attempt := env.get(t, "/history/"+first).Body.String()
	if !strings.Contains(attempt, "Attempt 1") || !strings.Contains(attempt, "Nicht bestanden") {
		t.Error("attempt page should show the journaled report")
	}
	if rec := env.get(t, "/history/unknown"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown attempt status = %d", rec.Code)
	}
}

func TestBasePath(t *testing.T) {
	env := newTestEnv(t, "/sprechen")

	body := env.get(t, "/sprechen/").Body.String()
	for _, want := range []string{`href="/sprechen/static/style.css"`, `content="/sprechen"`, `action="/sprechen/restart"`} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if rec := env.get(t, "/sprechen/static/recorder.js"); rec.Code != http.StatusOK {
		t.Errorf("static asset status = %d", rec.Code)
	}
	rec := env.post(t, "/sprechen/restart", nil, false)
	if rec.Header().Get("Location") != "/sprechen/" {
		t.Errorf("restart redirect = %q", rec.Header().Get("Location"))
	}
}

func TestMessageID(t *testing.T) {
	tests := []struct {
		err    error
		id     string
		status int
	}{
		{nil, "", http.StatusOK},
		{audio.ErrPermissionDenied, "ErrMicPermission", http.StatusInternalServerError},
		{fmt.Errorf("open microphone: %w", audio.ErrDeviceNotFound), "ErrMicNotFound", http.StatusInternalServerError},
		{audio.ErrCaptureBusy, "ErrMicBusy", http.StatusConflict},
		{audio.ErrNoCapture, "ErrClipMissing", http.StatusNotFound},
		{exam.ErrBusy, "ErrBusy", http.StatusConflict},
		{fmt.Errorf("%w: x", exam.ErrWrongState), "ErrWrongState", http.StatusConflict},
		{fmt.Errorf("%w: x", llm.ErrMalformedResponse), "ErrEvaluation", http.StatusBadGateway},
		{errors.New("boom"), "ErrGeneric", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := messageID(tt.err); got != tt.id {
			t.Errorf("messageID(%v) = %q, want %q", tt.err, got, tt.id)
		}
		if got := statusFor(tt.err); got != tt.status {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}
