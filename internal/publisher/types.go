package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"whip-publisher/internal/stats"
	"whip-publisher/internal/whip"
)

type State int

const (
	StateIdle State = iota
	StateCapturing
	StateNegotiating
	StateAwaitingIceGathering
	StatePublishing
	StateLive
	StateFailed
	StateStopped
)

var stateNames = [...]string{
	StateIdle:                 "Idle",
	StateCapturing:            "Capturing",
	StateNegotiating:          "Negotiating",
	StateAwaitingIceGathering: "AwaitingIceGathering",
	StatePublishing:           "Publishing",
	StateLive:                 "Live",
	StateFailed:               "Failed",
	StateStopped:              "Stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateNames lists every state name, in order.
func StateNames() []string {
	return append([]string(nil), stateNames[:]...)
}

// SessionConfig is fixed for the lifetime of one session.
type SessionConfig struct {
	IncludeMicrophone bool     `json:"include_microphone"`
	ICEServers        []string `json:"ice_servers" validate:"dive,required,iceurl"`
	WHIPEndpoint      string   `json:"endpoint" validate:"required,http_url"`
	BearerToken       string   `json:"bearer_token,omitempty"`
}

// Event is one entry of the status/log stream a presentation layer renders.
type Event struct {
	Time      time.Time     `json:"time"`
	SessionID string        `json:"session_id"`
	State     State         `json:"state"`
	Level     zerolog.Level `json:"level"`
	Message   string        `json:"message"`
	Err       error         `json:"-"`
}

// Peer is the connection a session publishes through; *peer.Session
// implements it.
type Peer interface {
	stats.Source

	AttachTracks(video, audio webrtc.TrackLocal) error
	CreateOffer() (string, error)
	WaitForICEGatheringComplete(ctx context.Context, timeout time.Duration) bool
	LocalDescription() string
	ApplyAnswer(sdp string) error
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	Close() error
}

type PeerFactory func(cfg SessionConfig) (Peer, error)

type WHIPFactory func(cfg SessionConfig) whip.Client

type StatsMonitor interface {
	Start(ctx context.Context, interval time.Duration, src stats.Source, hasAudio bool, onReport func(stats.Report)) *stats.Handle
}

type MetricsRecorder interface {
	SetState(state string, states []string)
	SessionEnded(outcome string)
}
