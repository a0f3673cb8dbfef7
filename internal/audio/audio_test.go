package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	*bytes.Reader
	id     string
	closed bool
	mu     sync.Mutex
}

func (s *fakeStream) ID() string       { return s.id }
func (s *fakeStream) MIMEType() string { return "audio/ogg" }
func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeDevice struct {
	data    []byte
	err     error
	n       int
	streams []*fakeStream
}

func (d *fakeDevice) Open(context.Context) (Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.n++
	s := &fakeStream{Reader: bytes.NewReader(d.data), id: "cap-" + strings.Repeat("x", d.n)}
	d.streams = append(d.streams, s)
	return s, nil
}

func TestClassifyDeviceError(t *testing.T) {
	tests := []struct {
		name string
		want error
	}{
		{"NotFoundError", ErrDeviceNotFound},
		{"DevicesNotFoundError", ErrDeviceNotFound},
		{"NotAllowedError", ErrPermissionDenied},
		{"PermissionDeniedError", ErrPermissionDenied},
		{"NotSupportedError", ErrUnsupported},
		{"NotReadableError", ErrUnknownCapture},
		{"", ErrUnknownCapture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyDeviceError(tt.name); !errors.Is(got, tt.want) {
				t.Errorf("ClassifyDeviceError(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestRecorderStartStop(t *testing.T) {
	dev := &fakeDevice{data: []byte("webm-bytes")}
	clips := NewClips()
	rec := NewRecorder(dev, clips, time.Minute)

	c, err := rec.Start(context.Background(), "part1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !rec.Active() {
		t.Error("expected active capture")
	}

	b, err := rec.Stop(c.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if string(b.Data) != "webm-bytes" {
		t.Errorf("Data = %q", b.Data)
	}
	if b.MIMEType != "audio/ogg" {
		t.Errorf("MIMEType = %q", b.MIMEType)
	}
	if !dev.streams[0].closed {
		t.Error("stream should be closed after stop")
	}
	if rec.Active() {
		t.Error("capture should not be active after stop")
	}
	got, ok := clips.Get(b.ClipID)
	if !ok || !bytes.Equal(got.Data, b.Data) {
		t.Error("blob should be registered as a clip")
	}
}

func TestRecorderSingleCaptureGate(t *testing.T) {
	rec := NewRecorder(&fakeDevice{}, NewClips(), time.Minute)

	c, err := rec.Start(context.Background(), "part2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := rec.Start(context.Background(), "part3"); !errors.Is(err, ErrCaptureBusy) {
		t.Fatalf("second Start error = %v, want ErrCaptureBusy", err)
	}
	if err := rec.Cancel(c.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := rec.Start(context.Background(), "part3"); err != nil {
		t.Fatalf("Start after cancel: %v", err)
	}
}

func TestRecorderDeviceErrorReleasesGate(t *testing.T) {
	dev := &fakeDevice{err: ErrPermissionDenied}
	rec := NewRecorder(dev, NewClips(), time.Minute)

	if _, err := rec.Start(context.Background(), "part1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start error = %v, want ErrPermissionDenied", err)
	}
	dev.err = nil
	if _, err := rec.Start(context.Background(), "part1"); err != nil {
		t.Fatalf("Start after device error: %v", err)
	}
}

func TestRecorderRevokesPreviousClip(t *testing.T) {
	clips := NewClips()
	rec := NewRecorder(&fakeDevice{data: []byte("a")}, clips, time.Minute)

	record := func(owner string) Blob {
		t.Helper()
		c, err := rec.Start(context.Background(), owner)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		b, err := rec.Stop(c.ID)
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
		return b
	}

	first := record("part2")
	other := record("part3")
	second := record("part2")

	if _, ok := clips.Get(first.ClipID); ok {
		t.Error("first clip of part2 should be revoked")
	}
	if _, ok := clips.Get(second.ClipID); !ok {
		t.Error("latest clip of part2 should be playable")
	}
	if _, ok := clips.Get(other.ClipID); !ok {
		t.Error("clip of another owner should be untouched")
	}

	if rec.LastClip("part2") != second.ClipID {
		t.Errorf("LastClip(part2) = %q, want %q", rec.LastClip("part2"), second.ClipID)
	}

	rec.Forget("part2")
	if _, ok := clips.Get(second.ClipID); ok {
		t.Error("Forget should revoke the owner's clip")
	}
	if rec.LastClip("part2") != "" {
		t.Error("LastClip should be empty after Forget")
	}

	rec.Reset()
	if _, ok := clips.Get(other.ClipID); ok {
		t.Error("Reset should revoke every owner's clip")
	}
}

func TestRecorderRegisterUploads(t *testing.T) {
	clips := NewClips()
	rec := NewRecorder(&fakeDevice{data: []byte("a")}, clips, time.Minute)

	var last Blob
	for i := 0; i < 5; i++ {
		last = rec.Register("part1-record", Blob{Data: []byte("upload"), MIMEType: "audio/ogg"})
	}
	if clips.Len() != 1 {
		t.Errorf("clips after 5 uploads = %d, want 1", clips.Len())
	}
	if rec.LastClip("part1-record") != last.ClipID {
		t.Errorf("LastClip = %q, want %q", rec.LastClip("part1-record"), last.ClipID)
	}

	c, err := rec.Start(context.Background(), "part1-record")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	recorded, err := rec.Stop(c.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := clips.Get(last.ClipID); ok {
		t.Error("uploaded clip should be revoked by the next recording")
	}
	if rec.LastClip("part1-record") != recorded.ClipID {
		t.Error("recorded clip should replace the upload")
	}

	rec.Reset()
	if clips.Len() != 0 {
		t.Errorf("clips after Reset = %d, want 0", clips.Len())
	}
}

func TestRecorderUnknownCapture(t *testing.T) {
	rec := NewRecorder(&fakeDevice{}, NewClips(), time.Minute)
	if _, err := rec.Stop("missing"); !errors.Is(err, ErrNoCapture) {
		t.Errorf("Stop error = %v, want ErrNoCapture", err)
	}
}

func TestRecorderMaxDuration(t *testing.T) {
	dev := NewUploadDevice()
	rec := NewRecorder(dev, NewClips(), 10*time.Millisecond)

	c, err := rec.Start(context.Background(), "part1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for rec.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.Active() {
		t.Fatal("capture should be cancelled after max duration")
	}
	if _, err := rec.Stop(c.ID); !errors.Is(err, ErrNoCapture) {
		t.Errorf("Stop after timeout error = %v, want ErrNoCapture", err)
	}
	if dev.Sessions() != 0 {
		t.Error("device session should be released")
	}
}

func TestUploadDeviceStreamsChunks(t *testing.T) {
	dev := NewUploadDevice()
	rec := NewRecorder(dev, NewClips(), time.Minute)

	c, err := rec.Start(context.Background(), "part2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, chunk := range []string{"one-", "two-", "three"} {
		if _, err := dev.Feed(c.ID, "audio/webm;codecs=opus", strings.NewReader(chunk)); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}

	b, err := rec.Stop(c.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if string(b.Data) != "one-two-three" {
		t.Errorf("Data = %q", b.Data)
	}
	if b.MIMEType != "audio/webm;codecs=opus" {
		t.Errorf("MIMEType = %q", b.MIMEType)
	}
	if _, err := dev.Feed(c.ID, "", strings.NewReader("late")); !errors.Is(err, ErrNoCapture) {
		t.Errorf("Feed after stop error = %v, want ErrNoCapture", err)
	}
}

func TestUploadStreamDefaultsMIME(t *testing.T) {
	dev := NewUploadDevice()
	s, err := dev.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.MIMEType() != DefaultMIMEType {
		t.Errorf("MIMEType = %q", s.MIMEType())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := io.ReadAll(s); err != nil {
		t.Errorf("read after close: %v", err)
	}
}

func TestClips(t *testing.T) {
	c := NewClips()
	id := c.Put(Blob{Data: []byte("x"), MIMEType: "audio/wav"})
	b, ok := c.Get(id)
	if !ok || b.ClipID != id {
		t.Fatalf("Get(%q) = %+v, %v", id, b, ok)
	}
	c.Revoke(id)
	c.Revoke("")
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
