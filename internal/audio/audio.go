// Package audio captures microphone recordings and keeps them as revocable
// playback clips.
package audio

import (
	"context"
	"errors"
	"io"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("no microphone found")
	ErrUnknownCapture   = errors.New("microphone capture failed")
	ErrUnsupported      = errors.New("audio recording not supported")
	ErrCaptureBusy      = errors.New("another recording is in progress")
	ErrNoCapture        = errors.New("no such capture")
)

// DefaultMIMEType is what browsers' MediaRecorder produces for audio-only streams.
const DefaultMIMEType = "audio/webm"

// Blob is a finished recording.
type Blob struct {
	Data     []byte
	MIMEType string
	ClipID   string
}

// Stream is an open microphone. Closing it releases every track the device
// acquired; reads drain buffered audio and then return io.EOF.
type Stream interface {
	io.ReadCloser
	ID() string
	MIMEType() string
}

// Device acquires a microphone stream.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// ClassifyDeviceError maps a browser getUserMedia failure name to a capture error.
func ClassifyDeviceError(name string) error {
	switch name {
	case "NotFoundError", "DevicesNotFoundError":
		return ErrDeviceNotFound
	case "NotAllowedError", "PermissionDeniedError":
		return ErrPermissionDenied
	case "NotSupportedError":
		return ErrUnsupported
	}
	return ErrUnknownCapture
}
