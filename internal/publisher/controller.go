package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"whip-publisher/internal/capture"
	"whip-publisher/internal/stats"
	"whip-publisher/internal/whip"
)

const (
	DefaultICEGatherTimeout = 5 * time.Second
	DefaultStatsInterval    = 5 * time.Second
	defaultDeleteTimeout    = 2 * time.Second
)

type Options struct {
	Capturer    capture.Capturer
	Permissions capture.Permissions
	NewPeer     PeerFactory
	NewWHIP     WHIPFactory
	Stats       StatsMonitor

	// Optional.
	Metrics          MetricsRecorder
	Observer         func(Event)
	Logger           zerolog.Logger
	ICEGatherTimeout time.Duration
	StatsInterval    time.Duration
	DeleteTimeout    time.Duration
}

// session is the state owned by one publishing attempt. Its fields are
// written under Controller.mu and only while the session is current.
type session struct {
	id     string
	cfg    SessionConfig
	cancel context.CancelFunc
	done   context.Context

	tracks      *capture.TrackSet
	peer        Peer
	whip        whip.Client
	resourceURL string
	statsHandle *stats.Handle
	connected   bool
}

// Controller runs at most one WHIP publishing session at a time.
type Controller struct {
	opts   Options
	logger zerolog.Logger
	tracer trace.Tracer

	activeSessions metric.Int64UpDownCounter

	mu         sync.Mutex
	state      State
	sess       *session
	lastReport *stats.Report
}

func NewController(opts Options) *Controller {
	if opts.ICEGatherTimeout <= 0 {
		opts.ICEGatherTimeout = DefaultICEGatherTimeout
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = defaultDeleteTimeout
	}

	meter := otel.Meter("publisher")
	active, _ := meter.Int64UpDownCounter("publisher.sessions_active", metric.WithDescription("Number of active publishing sessions"))

	return &Controller{
		opts:           opts,
		logger:         opts.Logger.With().Str("module", "publisher").Logger(),
		tracer:         otel.Tracer("publisher"),
		activeSessions: active,
		state:          StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the current session's ID, or "" when none is active.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// LastReport returns the most recent stats report of the current session.
func (c *Controller) LastReport() (stats.Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReport == nil {
		return stats.Report{}, false
	}
	return *c.lastReport, true
}

// Start runs the whole publishing sequence and returns once the session is
// Publishing (or Live), or has failed. On failure everything acquired so
// far has been released and the controller is Stopped again.
func (c *Controller) Start(ctx context.Context, cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sess != nil || (c.state != StateIdle && c.state != StateStopped) {
		c.mu.Unlock()
		return ErrSessionActive
	}
	done, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     uuid.New().String(),
		cfg:    cfg,
		cancel: cancel,
		done:   done,
		tracks: &capture.TrackSet{},
	}
	c.sess = s
	c.lastReport = nil
	c.state = StateCapturing
	c.mu.Unlock()

	c.activeSessions.Add(ctx, 1)
	c.emit(s, StateCapturing, zerolog.InfoLevel, "Starting capture", nil)

	ctx, span := c.tracer.Start(ctx, "publisher.Start", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("endpoint", cfg.WHIPEndpoint),
	))
	defer span.End()

	// Steps are abandoned as soon as the session is stopped.
	ctx, stepCancel := context.WithCancel(ctx)
	defer stepCancel()
	defer context.AfterFunc(done, stepCancel)()

	if err := c.run(ctx, s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		c.fail(s, err)
		return err
	}
	return nil
}

func (c *Controller) run(ctx context.Context, s *session) error {
	span := trace.SpanFromContext(ctx)
	cfg := s.cfg

	// (a) permissions
	perms := []capture.Permission{capture.PermissionScreenCapture}
	if cfg.IncludeMicrophone {
		perms = append(perms, capture.PermissionRecordAudio)
	}
	granted, err := c.opts.Permissions.RequestPermissions(ctx, perms)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if !granted[capture.PermissionScreenCapture] {
		return ErrPermissionDenied
	}
	micAllowed := cfg.IncludeMicrophone && granted[capture.PermissionRecordAudio]
	if cfg.IncludeMicrophone && !micAllowed {
		c.advise(s, zerolog.WarnLevel, "Microphone permission denied, continuing without microphone", ErrMicCaptureFailed)
	}

	// (b) screen and system audio
	span.AddEvent("capture")
	display, err := c.opts.Capturer.GetDisplayMedia(ctx, true, true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoVideoTrack, err)
	}
	if err := c.adoptDisplay(s, display); err != nil {
		return err
	}

	// (c) microphone
	if micAllowed {
		mic, err := c.opts.Capturer.GetUserMedia(ctx, capture.AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		})
		if err == nil && len(mic.AudioTracks) == 0 {
			stopResult(mic)
			err = errors.New("no microphone track produced")
		}
		if err != nil {
			c.advise(s, zerolog.WarnLevel, "Microphone unavailable, continuing without it", fmt.Errorf("%w: %v", ErrMicCaptureFailed, err))
		} else if err := c.adoptMic(s, mic); err != nil {
			return err
		}
	}

	// (d) peer connection and transceivers
	if err := c.transition(s, StateNegotiating, "Building peer connection"); err != nil {
		return err
	}
	p, err := c.opts.NewPeer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	if err := c.adoptPeer(s, p); err != nil {
		return err
	}
	p.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.handleICEState(s, state)
	})

	video, audio := c.selectTracks(s)
	if err := p.AttachTracks(video, audio); err != nil {
		return err
	}

	// (e) offer
	if _, err := p.CreateOffer(); err != nil {
		return err
	}

	// (f) bounded ICE gathering
	if err := c.transition(s, StateAwaitingIceGathering, "Gathering ICE candidates"); err != nil {
		return err
	}
	if !p.WaitForICEGatheringComplete(ctx, c.opts.ICEGatherTimeout) {
		if err := ctx.Err(); err != nil {
			return c.aborted(s, fmt.Errorf("ICE gathering aborted: %w", err))
		}
		c.advise(s, zerolog.WarnLevel, fmt.Sprintf("ICE gathering incomplete after %s, publishing with the candidates found so far", c.opts.ICEGatherTimeout), nil)
	}

	// (g) WHIP exchange
	span.AddEvent("whip")
	client := c.opts.NewWHIP(cfg)
	answer, err := client.Publish(ctx, cfg.WHIPEndpoint, p.LocalDescription())
	if err != nil {
		if ctx.Err() != nil && !isWHIPError(err) {
			return c.aborted(s, err)
		}
		return err
	}
	c.mu.Lock()
	if c.sess == s {
		s.whip = client
		s.resourceURL = answer.Location
	}
	c.mu.Unlock()

	if err := p.ApplyAnswer(answer.SDP); err != nil {
		return err
	}

	// (h) stats
	return c.startPublishing(s, p, audio != nil)
}

// aborted reports ErrSessionStopped if s was stopped, err otherwise.
func (c *Controller) aborted(s *session, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s {
		return ErrSessionStopped
	}
	return err
}

func isWHIPError(err error) bool {
	var whipErr *whip.Error
	return errors.As(err, &whipErr)
}

func (c *Controller) adoptDisplay(s *session, res *capture.Result) error {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		stopResult(res)
		return ErrSessionStopped
	}
	var extra []capture.Track
	for i, t := range res.VideoTracks {
		if i == 0 {
			s.tracks.Video = t
			continue
		}
		s.tracks.Hold(t)
		extra = append(extra, t)
	}
	for i, t := range res.AudioTracks {
		if i == 0 {
			s.tracks.SystemAudio = t
			continue
		}
		s.tracks.Hold(t)
		extra = append(extra, t)
	}
	hasVideo := s.tracks.Video != nil
	hasAudio := s.tracks.SystemAudio != nil
	c.mu.Unlock()

	for _, t := range extra {
		c.advise(s, zerolog.WarnLevel, fmt.Sprintf("Ignoring extra %s track %s", t.Kind(), t.ID()), nil)
	}
	if !hasVideo {
		return ErrNoVideoTrack
	}
	if !hasAudio {
		c.advise(s, zerolog.InfoLevel, "System audio is not available from screen capture", nil)
	}
	return nil
}

func (c *Controller) adoptMic(s *session, res *capture.Result) error {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		stopResult(res)
		return ErrSessionStopped
	}
	for i, t := range res.AudioTracks {
		if i == 0 {
			s.tracks.Mic = t
		} else {
			s.tracks.Hold(t)
		}
	}
	for _, t := range res.VideoTracks {
		s.tracks.Hold(t)
	}
	c.mu.Unlock()
	return nil
}

func stopResult(res *capture.Result) {
	for _, t := range append(res.VideoTracks, res.AudioTracks...) {
		_ = t.Stop()
	}
}

func (c *Controller) adoptPeer(s *session, p Peer) error {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		_ = p.Close()
		return ErrSessionStopped
	}
	s.peer = p
	c.mu.Unlock()
	return nil
}

// selectTracks picks the video track and at most one audio track. The
// first collected audio track wins; the others are dropped with a warning.
func (c *Controller) selectTracks(s *session) (webrtc.TrackLocal, webrtc.TrackLocal) {
	c.mu.Lock()
	video := s.tracks.Video
	audios := s.tracks.Audio()
	c.mu.Unlock()

	if len(audios) == 0 {
		c.advise(s, zerolog.WarnLevel, "No audio track available, publishing video only", ErrNoAudioTrack)
		return video, nil
	}
	for _, dropped := range audios[1:] {
		c.advise(s, zerolog.WarnLevel, fmt.Sprintf("Dropping audio track %s, only %s is published", dropped.ID(), audios[0].ID()), nil)
	}
	return video, audios[0]
}

func (c *Controller) startPublishing(s *session, p Peer, hasAudio bool) error {
	c.mu.Lock()
	if err := c.checkCurrent(s); err != nil {
		c.mu.Unlock()
		return err
	}
	s.statsHandle = c.opts.Stats.Start(s.done, c.opts.StatsInterval, p, hasAudio, func(r stats.Report) {
		c.onReport(s, r)
	})
	next := StatePublishing
	if s.connected {
		next = StateLive
	}
	c.state = next
	c.mu.Unlock()

	c.emit(s, next, zerolog.InfoLevel, "Publishing to "+s.cfg.WHIPEndpoint, nil)
	return nil
}

// transition moves the current session to state, failing if it has been
// stopped in the meantime.
func (c *Controller) transition(s *session, state State, msg string) error {
	c.mu.Lock()
	if err := c.checkCurrent(s); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = state
	c.mu.Unlock()

	c.emit(s, state, zerolog.InfoLevel, msg, nil)
	return nil
}

// checkCurrent reports whether s may still advance. A session whose
// connection already failed is being torn down. Callers hold c.mu.
func (c *Controller) checkCurrent(s *session) error {
	if c.sess != s {
		return ErrSessionStopped
	}
	if c.state == StateFailed {
		return fmt.Errorf("%w: connection failed", ErrSessionStopped)
	}
	return nil
}

func (c *Controller) handleICEState(s *session, state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.mu.Lock()
		if c.sess != s {
			c.mu.Unlock()
			return
		}
		s.connected = true
		live := c.state == StatePublishing
		if live {
			c.state = StateLive
		}
		c.mu.Unlock()
		if live {
			c.emit(s, StateLive, zerolog.InfoLevel, "Live", nil)
		}

	case webrtc.ICEConnectionStateDisconnected:
		c.advise(s, zerolog.WarnLevel, "Connection interrupted, waiting for it to recover", nil)

	case webrtc.ICEConnectionStateFailed:
		c.mu.Lock()
		if c.sess != s {
			c.mu.Unlock()
			return
		}
		c.state = StateFailed
		c.mu.Unlock()
		c.emit(s, StateFailed, zerolog.ErrorLevel, "Connection failed, stopping", nil)
		// Stopping closes the peer, which waits for this callback to return.
		go c.stopSession(s)
	}
}

func (c *Controller) onReport(s *session, r stats.Report) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.lastReport = &r
	c.mu.Unlock()

	if !r.Healthy() {
		for _, w := range r.Warnings {
			c.advise(s, zerolog.WarnLevel, "Stream health: "+w, nil)
		}
	}
}

func (c *Controller) fail(s *session, err error) {
	c.mu.Lock()
	current := c.sess == s
	if current {
		c.state = StateFailed
	}
	c.mu.Unlock()

	if current {
		c.emit(s, StateFailed, zerolog.ErrorLevel, Describe(err), err)
	}
	c.stopSession(s)
}

// Stop tears down the current session. It is safe to call at any time and
// any number of times; with no session it does nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.stopSession(s)
	}
}

func (c *Controller) stopSession(s *session) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	outcome := "stopped"
	if c.state == StateFailed {
		outcome = "failed"
	}
	statsHandle, tracks, p := s.statsHandle, s.tracks, s.peer
	client, resourceURL := s.whip, s.resourceURL
	s.statsHandle, s.peer = nil, nil
	c.mu.Unlock()

	s.cancel()

	// Order matters: a stray poll must not race a half-closed connection,
	// and tracks stop before the connection so it never resumes them.
	if statsHandle != nil {
		statsHandle.Stop()
	}
	for _, err := range tracks.StopAll() {
		c.logger.Warn().Err(err).Str("session_id", s.id).Msg("track cleanup failed")
	}
	if p != nil {
		if err := p.Close(); err != nil {
			c.logger.Warn().Err(err).Str("session_id", s.id).Msg("peer cleanup failed")
		}
	}
	if client != nil && resourceURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DeleteTimeout)
		if err := client.Delete(ctx, resourceURL); err != nil {
			c.logger.Warn().Err(err).Str("session_id", s.id).Msg("WHIP resource cleanup failed")
		}
		cancel()
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	c.activeSessions.Add(context.Background(), -1)
	if c.opts.Metrics != nil {
		c.opts.Metrics.SessionEnded(outcome)
	}
	c.emit(s, StateStopped, zerolog.InfoLevel, "Stopped", nil)
}

// advise reports a non-fatal condition without changing state.
func (c *Controller) advise(s *session, level zerolog.Level, msg string, err error) {
	c.emit(s, c.State(), level, msg, err)
}

func (c *Controller) emit(s *session, state State, level zerolog.Level, msg string, err error) {
	ev := c.logger.WithLevel(level).Str("session_id", s.id).Str("state", state.String())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)

	if c.opts.Metrics != nil {
		c.opts.Metrics.SetState(state.String(), StateNames())
	}
	if c.opts.Observer != nil {
		c.opts.Observer(Event{
			Time:      time.Now(),
			SessionID: s.id,
			State:     state,
			Level:     level,
			Message:   msg,
			Err:       err,
		})
	}
}
