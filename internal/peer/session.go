package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rtpstats "github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// NegotiationError reports that the connection rejected a remote description.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Session owns one send-only PeerConnection for a single publishing attempt.
// It is not reusable once closed.
type Session struct {
	pc     *webrtc.PeerConnection
	rtp    rtpstats.Getter
	logger zerolog.Logger

	gatherMu       sync.Mutex
	gatherComplete <-chan struct{}

	// dispatchMu is held for reading while a state callback runs, so Close
	// can wait for in-flight callbacks before returning.
	dispatchMu sync.RWMutex
	onICEState func(webrtc.ICEConnectionState)

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Session with one ICE server entry per URL.
func New(api *API, iceServers []string, logger zerolog.Logger) (*Session, error) {
	cfg := webrtc.Configuration{}
	for _, u := range iceServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, getter, err := api.newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		pc:     pc,
		rtp:    getter,
		logger: logger.With().Str("module", "webrtc").Logger(),
	}

	pc.OnICEConnectionStateChange(s.dispatchICEState)
	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		s.logger.Debug().Str("gathering_state", state.String()).Msg("ICE gathering state")
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info().Str("peer_connection_state", state.String()).Msg("Peer state")
	})

	return s, nil
}

func (s *Session) dispatchICEState(state webrtc.ICEConnectionState) {
	s.logger.Info().Str("ice_state", state.String()).Msg("ICE state")

	s.dispatchMu.RLock()
	defer s.dispatchMu.RUnlock()
	if s.closed.Load() || s.onICEState == nil {
		return
	}
	s.onICEState(state)
}

// OnICEConnectionStateChange registers the single connectivity callback,
// replacing any previous one. fn must not call Close synchronously.
func (s *Session) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	s.dispatchMu.Lock()
	s.onICEState = fn
	s.dispatchMu.Unlock()
}

// AttachTracks adds a send-only transceiver for each non-nil track.
func (s *Session) AttachTracks(video, audio webrtc.TrackLocal) error {
	for _, track := range []webrtc.TrackLocal{video, audio} {
		if track == nil {
			continue
		}
		tr, err := s.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", track.Kind(), err)
		}
		go drainRTCP(tr.Sender())
		s.logger.Debug().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("send-only transceiver added")
	}
	return nil
}

// Interceptors only run when RTCP is read off the sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Transceivers returns the connection's current transceivers.
func (s *Session) Transceivers() []*webrtc.RTPTransceiver {
	return s.pc.GetTransceivers()
}

// CreateOffer creates an offer and applies it as the local description,
// which starts ICE gathering. All transceivers are send-only, so the offer
// never asks for inbound audio or video.
func (s *Session) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	s.gatherMu.Lock()
	s.gatherComplete = webrtc.GatheringCompletePromise(s.pc)
	s.gatherMu.Unlock()

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// WaitForICEGatheringComplete blocks until gathering completes, the timeout
// elapses or ctx is done. It reports whether gathering completed; a timeout
// is a normal outcome and the candidates found so far stay usable.
func (s *Session) WaitForICEGatheringComplete(ctx context.Context, timeout time.Duration) bool {
	s.gatherMu.Lock()
	done := s.gatherComplete
	if done == nil {
		done = webrtc.GatheringCompletePromise(s.pc)
		s.gatherComplete = done
	}
	s.gatherMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		s.logger.Warn().Dur("timeout", timeout).Msg("ICE gathering timed out, continuing with gathered candidates")
		return false
	case <-ctx.Done():
		return false
	}
}

// LocalDescription returns the current local SDP including any gathered
// candidates, or "" before an offer exists.
func (s *Session) LocalDescription() string {
	if desc := s.pc.LocalDescription(); desc != nil {
		return desc.SDP
	}
	return ""
}

func (s *Session) ApplyAnswer(sdp string) error {
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return &NegotiationError{Err: err}
	}
	return nil
}

// GetStats returns pion's report plus one outbound-rtp entry per sending
// encoding, counted by the stats interceptor.
func (s *Session) GetStats() webrtc.StatsReport {
	report := s.pc.GetStats()
	if report == nil {
		report = webrtc.StatsReport{}
	}
	if s.rtp == nil {
		return report
	}

	now := webrtc.StatsTimestamp(time.Now().UnixNano() / int64(time.Millisecond))
	for _, tr := range s.pc.GetTransceivers() {
		sender := tr.Sender()
		if sender == nil {
			continue
		}
		for _, enc := range sender.GetParameters().Encodings {
			counted := s.rtp.Get(uint32(enc.SSRC))
			if counted == nil {
				continue
			}
			out := counted.OutboundRTPStreamStats
			id := fmt.Sprintf("outbound-rtp-%d", enc.SSRC)
			report[id] = webrtc.OutboundRTPStreamStats{
				Timestamp:       now,
				Type:            webrtc.StatsTypeOutboundRTP,
				ID:              id,
				Mid:             tr.Mid(),
				Rid:             enc.RID,
				SSRC:            enc.SSRC,
				Kind:            tr.Kind().String(),
				PacketsSent:     uint32(out.PacketsSent),
				BytesSent:       out.BytesSent,
				HeaderBytesSent: out.HeaderBytesSent,
				NACKCount:       out.NACKCount,
				FIRCount:        out.FIRCount,
				PLICount:        out.PLICount,
			}
		}
	}
	return report
}

func (s *Session) IsClosed() bool {
	return s.closed.Load() || s.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
}

// Close releases the connection. It is idempotent, and once it returns no
// registered callback will fire again.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			s.closeErr = fmt.Errorf("failed to close peer connection: %w", err)
			s.logger.Error().Err(err).Msg("close error")
		} else {
			s.logger.Info().Msg("closed")
		}

		s.dispatchMu.Lock()
		s.onICEState = nil
		s.dispatchMu.Unlock()
	})
	return s.closeErr
}
