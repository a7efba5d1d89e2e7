package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu     sync.Mutex
	report webrtc.StatsReport
	closed atomic.Bool
	polls  atomic.Int32
}

func (f *fakeSource) GetStats() webrtc.StatsReport {
	f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeSource) IsClosed() bool { return f.closed.Load() }

type recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recorder) Observe(rep Report) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func outbound(id, kind string, bytes uint64, packets uint32) webrtc.OutboundRTPStreamStats {
	return webrtc.OutboundRTPStreamStats{ID: id, Type: webrtc.StatsTypeOutboundRTP, Kind: kind, BytesSent: bytes, PacketsSent: packets}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		report   webrtc.StatsReport
		hasAudio bool
		video    KindTotals
		audio    KindTotals
		warnings []string
	}{
		{
			name: "sums per kind",
			report: webrtc.StatsReport{
				"v1": outbound("v1", "video", 1000, 10),
				"v2": outbound("v2", "video", 500, 5),
				"a1": outbound("a1", "audio", 200, 20),
			},
			hasAudio: true,
			video:    KindTotals{BytesSent: 1500, PacketsSent: 15},
			audio:    KindTotals{BytesSent: 200, PacketsSent: 20},
		},
		{
			name:     "nothing sent",
			report:   webrtc.StatsReport{},
			hasAudio: true,
			warnings: []string{"no video bytes sent", "no audio bytes sent"},
		},
		{
			name: "silent audio without audio track is fine",
			report: webrtc.StatsReport{
				"v1": outbound("v1", "video", 10, 1),
			},
			hasAudio: false,
			video:    KindTotals{BytesSent: 10, PacketsSent: 1},
		},
		{
			name: "ignores other stats",
			report: webrtc.StatsReport{
				"t":  webrtc.TransportStats{ID: "t", BytesSent: 9999},
				"v1": outbound("v1", "video", 10, 1),
			},
			video: KindTotals{BytesSent: 10, PacketsSent: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(time.Now(), tt.report, tt.hasAudio)
			assert.Equal(t, tt.video, r.Video)
			assert.Equal(t, tt.audio, r.Audio)
			assert.Equal(t, tt.warnings, r.Warnings)
			assert.Equal(t, len(tt.warnings) == 0, r.Healthy())
		})
	}
}

func TestMonitorReports(t *testing.T) {
	src := &fakeSource{report: webrtc.StatsReport{"v1": outbound("v1", "video", 100, 1)}}
	rec := &recorder{}
	m := NewMonitor(zerolog.Nop(), rec)

	reports := make(chan Report, 16)
	h := m.Start(context.Background(), 10*time.Millisecond, src, false, func(r Report) {
		select {
		case reports <- r:
		default:
		}
	})
	defer h.Stop()

	select {
	case r := <-reports:
		assert.Equal(t, uint64(100), r.Video.BytesSent)
		assert.True(t, r.Healthy())
	case <-time.After(2 * time.Second):
		t.Fatal("no report received")
	}
	assert.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestMonitorStopsOnClosedSource(t *testing.T) {
	src := &fakeSource{}
	src.closed.Store(true)

	var reports atomic.Int32
	h := NewMonitor(zerolog.Nop(), nil).Start(context.Background(), 5*time.Millisecond, src, true, func(Report) {
		reports.Add(1)
	})

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not cancel itself")
	}
	assert.Zero(t, reports.Load())
	assert.Zero(t, src.polls.Load())
	h.Stop()
}

func TestHandleStopIdempotent(t *testing.T) {
	src := &fakeSource{}
	h := NewMonitor(zerolog.Nop(), nil).Start(context.Background(), time.Hour, src, false, nil)

	h.Stop()
	h.Stop()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit after Stop")
	}
	require.Zero(t, src.polls.Load())
}
