package publisher

import (
	"errors"
	"fmt"

	"whip-publisher/internal/peer"
	"whip-publisher/internal/whip"
)

var (
	ErrPermissionDenied = errors.New("screen capture permission denied")
	ErrNoVideoTrack     = errors.New("no video track captured")
	ErrMicCaptureFailed = errors.New("microphone capture failed")
	ErrNoAudioTrack     = errors.New("no audio track captured")
	ErrSessionActive    = errors.New("a publishing session is already active")
	ErrSessionStopped   = errors.New("session stopped while starting")
	ErrInvalidConfig    = errors.New("invalid session config")
)

// Describe turns a start error into a message fit for the user.
func Describe(err error) string {
	var (
		whipErr *whip.Error
		negErr  *peer.NegotiationError
	)
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Screen capture permission was not granted."
	case errors.Is(err, ErrNoVideoTrack):
		return "Could not capture the screen: no video track was produced."
	case errors.As(err, &whipErr):
		return fmt.Sprintf("The ingest server rejected the stream (HTTP %d): %s", whipErr.Status, whipErr.Body)
	case errors.As(err, &negErr):
		return "The ingest server's answer could not be applied: " + negErr.Err.Error()
	case errors.Is(err, ErrSessionStopped):
		return "Publishing was stopped before it started."
	case errors.Is(err, ErrInvalidConfig):
		return err.Error()
	default:
		return "Failed to start publishing: " + err.Error()
	}
}
