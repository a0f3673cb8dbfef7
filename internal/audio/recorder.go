package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxDuration bounds how long a capture may stay open before it is
// cancelled and the microphone released.
const DefaultMaxDuration = 3 * time.Minute

// Capture is an open recording.
type Capture struct {
	ID    string
	Owner string

	stream Stream
	buf    bytes.Buffer
	done   chan struct{}
	err    error
	timer  *time.Timer
}

// Recorder turns device streams into blobs. Only one capture may be open
// across the whole process; the gate is released after the stream closes.
type Recorder struct {
	device      Device
	clips       *Clips
	gate        *semaphore.Weighted
	maxDuration time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	active   map[string]*Capture
	lastClip map[string]string
}

// NewRecorder creates a recorder over device registering finished
// recordings in clips.
func NewRecorder(device Device, clips *Clips, maxDuration time.Duration) *Recorder {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	return &Recorder{
		device:      device,
		clips:       clips,
		gate:        semaphore.NewWeighted(1),
		maxDuration: maxDuration,
		logger:      slog.With("component", "recorder"),
		active:      make(map[string]*Capture),
		lastClip:    make(map[string]string),
	}
}

// Start opens the microphone for owner.
func (r *Recorder) Start(ctx context.Context, owner string) (*Capture, error) {
	if !r.gate.TryAcquire(1) {
		return nil, ErrCaptureBusy
	}
	stream, err := r.device.Open(ctx)
	if err != nil {
		r.gate.Release(1)
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	c := &Capture{
		ID:     stream.ID(),
		Owner:  owner,
		stream: stream,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		if _, err := io.Copy(&c.buf, stream); err != nil {
			c.err = fmt.Errorf("%w: %w", ErrUnknownCapture, err)
		}
	}()

	r.mu.Lock()
	r.active[c.ID] = c
	c.timer = time.AfterFunc(r.maxDuration, func() {
		if err := r.Cancel(c.ID); err == nil {
			r.logger.Warn("capture exceeded max duration", "capture", c.ID, "owner", owner)
		}
	})
	r.mu.Unlock()

	r.logger.Debug("capture started", "capture", c.ID, "owner", owner)
	return c, nil
}

// Stop closes the capture, concatenates its chunks into one blob and
// registers it as a clip. The owner's previous clip is revoked first.
func (r *Recorder) Stop(id string) (Blob, error) {
	c, err := r.finish(id)
	if err != nil {
		return Blob{}, err
	}
	if c.err != nil {
		return Blob{}, c.err
	}

	b := r.Register(c.Owner, Blob{Data: bytes.Clone(c.buf.Bytes()), MIMEType: c.stream.MIMEType()})
	r.logger.Debug("capture stopped", "capture", id, "owner", c.Owner, "bytes", len(b.Data), "clip", b.ClipID)
	return b, nil
}

// Register stores a recording made outside a capture, such as a file
// upload, as owner's latest clip. The previous clip is revoked first.
func (r *Recorder) Register(owner string, b Blob) Blob {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clips.Revoke(r.lastClip[owner])
	b.ClipID = r.clips.Put(b)
	r.lastClip[owner] = b.ClipID
	return b
}

// Cancel closes the capture and discards its audio.
func (r *Recorder) Cancel(id string) error {
	_, err := r.finish(id)
	return err
}

// Active reports whether a capture is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active) > 0
}

// LastClip returns the clip of owner's latest recording, or "".
func (r *Recorder) LastClip(owner string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.lastClip[owner]
	if _, ok := r.clips.Get(id); !ok {
		return ""
	}
	return id
}

// Reset revokes every owner's last clip.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for owner, id := range r.lastClip {
		r.clips.Revoke(id)
		delete(r.lastClip, owner)
	}
}

// Forget revokes the last clip recorded for owner.
func (r *Recorder) Forget(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clips.Revoke(r.lastClip[owner])
	delete(r.lastClip, owner)
}

func (r *Recorder) finish(id string) (*Capture, error) {
	r.mu.Lock()
	c, ok := r.active[id]
	if ok {
		delete(r.active, id)
		c.timer.Stop()
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoCapture
	}

	closeErr := c.stream.Close()
	<-c.done
	r.gate.Release(1)

	if closeErr != nil {
		return nil, fmt.Errorf("release microphone: %w", closeErr)
	}
	return c, nil
}
