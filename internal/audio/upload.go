package audio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// UploadDevice is a microphone living in the browser. Each Open starts a
// session whose chunks arrive over HTTP and are piped into the stream.
type UploadDevice struct {
	mu       sync.Mutex
	sessions map[string]*uploadStream
}

// NewUploadDevice creates a device with no open sessions.
func NewUploadDevice() *UploadDevice {
	return &UploadDevice{sessions: make(map[string]*uploadStream)}
}

// Open implements Device.
func (d *UploadDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownCapture, err)
	}
	pr, pw := io.Pipe()
	s := &uploadStream{id: uuid.NewString(), pr: pr, pw: pw, device: d}
	d.mu.Lock()
	d.sessions[s.id] = s
	d.mu.Unlock()
	return s, nil
}

// Feed appends a chunk to the session's stream. The first chunk's content
// type becomes the stream's MIME type.
func (d *UploadDevice) Feed(id, contentType string, r io.Reader) (int64, error) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return 0, ErrNoCapture
	}
	s.setMIME(contentType)
	n, err := io.Copy(s.pw, r)
	if err != nil {
		return n, fmt.Errorf("feed capture %s: %w", id, err)
	}
	return n, nil
}

// Sessions reports how many sessions are still receiving chunks.
func (d *UploadDevice) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *UploadDevice) remove(id string) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

type uploadStream struct {
	id     string
	pr     *io.PipeReader
	pw     *io.PipeWriter
	device *UploadDevice

	mu   sync.Mutex
	mime string
	once sync.Once
}

func (s *uploadStream) ID() string { return s.id }

func (s *uploadStream) MIMEType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mime == "" {
		return DefaultMIMEType
	}
	return s.mime
}

func (s *uploadStream) setMIME(ct string) {
	if ct == "" {
		return
	}
	s.mu.Lock()
	if s.mime == "" {
		s.mime = ct
	}
	s.mu.Unlock()
}

func (s *uploadStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Close ends the input side so that pending reads drain to EOF.
func (s *uploadStream) Close() error {
	s.once.Do(func() {
		s.device.remove(s.id)
		_ = s.pw.Close()
	})
	return nil
}
