// Package stats polls a publishing connection's outbound RTP statistics.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Source is the connection being observed.
type Source interface {
	GetStats() webrtc.StatsReport
	IsClosed() bool
}

// Recorder receives every report, e.g. to export it as metrics.
type Recorder interface {
	Observe(r Report)
}

type KindTotals struct {
	BytesSent   uint64 `json:"bytes_sent"`
	PacketsSent uint64 `json:"packets_sent"`
}

type Report struct {
	Time     time.Time  `json:"time"`
	Video    KindTotals `json:"video"`
	Audio    KindTotals `json:"audio"`
	Warnings []string   `json:"warnings,omitempty"`
}

func (r Report) Healthy() bool { return len(r.Warnings) == 0 }

// Summarize sums bytes and packets sent per media kind over all outbound
// RTP streams in the report.
func Summarize(report webrtc.StatsReport) (video, audio KindTotals) {
	add := func(kind string, bytes, packets uint64) {
		switch kind {
		case "video":
			video.BytesSent += bytes
			video.PacketsSent += packets
		case "audio":
			audio.BytesSent += bytes
			audio.PacketsSent += packets
		}
	}
	for _, s := range report {
		switch o := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			add(o.Kind, o.BytesSent, uint64(o.PacketsSent))
		case *webrtc.OutboundRTPStreamStats:
			add(o.Kind, o.BytesSent, uint64(o.PacketsSent))
		}
	}
	return video, audio
}

// Evaluate builds the report for one poll and flags health warnings.
func Evaluate(now time.Time, report webrtc.StatsReport, hasAudio bool) Report {
	video, audio := Summarize(report)
	r := Report{Time: now, Video: video, Audio: audio}
	if video.BytesSent == 0 {
		r.Warnings = append(r.Warnings, "no video bytes sent")
	}
	if hasAudio && audio.BytesSent == 0 {
		r.Warnings = append(r.Warnings, "no audio bytes sent")
	}
	return r
}

type Monitor struct {
	logger   zerolog.Logger
	recorder Recorder
}

// NewMonitor creates a Monitor. recorder may be nil.
func NewMonitor(logger zerolog.Logger, recorder Recorder) *Monitor {
	return &Monitor{
		logger:   logger.With().Str("module", "stats").Logger(),
		recorder: recorder,
	}
}

// Handle controls one polling task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels polling without waiting for an in-flight tick. Idempotent.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
}

// Done is closed once the polling goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start polls src every interval until the handle is stopped, ctx ends or
// src reports it is closed. onReport may be nil.
func (m *Monitor) Start(ctx context.Context, interval time.Duration, src Source, hasAudio bool, onReport func(Report)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				if src.IsClosed() {
					m.logger.Debug().Msg("connection closed, stopping stats polling")
					return
				}
				r := Evaluate(now, src.GetStats(), hasAudio)
				m.log(r)
				if m.recorder != nil {
					m.recorder.Observe(r)
				}
				if onReport != nil {
					onReport(r)
				}
			}
		}
	}()

	return h
}

func (m *Monitor) log(r Report) {
	ev := m.logger.Debug()
	if !r.Healthy() {
		ev = m.logger.Warn().Strs("warnings", r.Warnings)
	}
	ev.Uint64("video_bytes", r.Video.BytesSent).
		Uint64("video_packets", r.Video.PacketsSent).
		Uint64("audio_bytes", r.Audio.BytesSent).
		Uint64("audio_packets", r.Audio.PacketsSent).
		Msg("outbound stats")
}
