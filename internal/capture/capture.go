// Package capture defines the media capture and permission collaborators a
// publisher session consumes, plus file-backed implementations of both.
package capture

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Track is a capture-provided local track. Stop releases whatever produces
// its samples and must be safe to call more than once.
type Track interface {
	webrtc.TrackLocal
	Stop() error
}

// Result is what a capture request yields. Either slice may be empty.
type Result struct {
	VideoTracks []Track
	AudioTracks []Track
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Capturer produces screen and microphone tracks.
type Capturer interface {
	GetDisplayMedia(ctx context.Context, video, audio bool) (*Result, error)
	GetUserMedia(ctx context.Context, constraints AudioConstraints) (*Result, error)
}

type Permission string

const (
	PermissionScreenCapture Permission = "screen_capture"
	PermissionRecordAudio   Permission = "record_audio"
)

// Permissions asks the platform for capture permissions.
type Permissions interface {
	RequestPermissions(ctx context.Context, perms []Permission) (map[Permission]bool, error)
}
