package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	*webrtc.TrackLocalStaticSample
	stops   int
	stopErr error
}

func newFakeTrack(t *testing.T, kind webrtc.RTPCodecType, id string) *fakeTrack {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "test")
	require.NoError(t, err)
	return &fakeTrack{TrackLocalStaticSample: track}
}

func (f *fakeTrack) Stop() error {
	f.stops++
	return f.stopErr
}

func TestTrackSetStopAllOnce(t *testing.T) {
	video := newFakeTrack(t, webrtc.RTPCodecTypeVideo, "video")
	sys := newFakeTrack(t, webrtc.RTPCodecTypeAudio, "audio")
	mic := newFakeTrack(t, webrtc.RTPCodecTypeAudio, "mic")
	extra := newFakeTrack(t, webrtc.RTPCodecTypeVideo, "video2")
	extra.stopErr = errors.New("already gone")

	set := &TrackSet{Video: video, SystemAudio: sys, Mic: mic}
	set.Hold(extra)
	set.Hold(nil)

	assert.Equal(t, 4, set.Len())

	errs := set.StopAll()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "video2")

	assert.Empty(t, set.StopAll())
	for _, tr := range []*fakeTrack{video, sys, mic, extra} {
		assert.Equal(t, 1, tr.stops, tr.ID())
	}
}

func TestTrackSetAudioOrder(t *testing.T) {
	sys := newFakeTrack(t, webrtc.RTPCodecTypeAudio, "audio")
	mic := newFakeTrack(t, webrtc.RTPCodecTypeAudio, "mic")

	tests := []struct {
		name string
		set  *TrackSet
		want []string
	}{
		{"none", &TrackSet{}, nil},
		{"mic only", &TrackSet{Mic: mic}, []string{"mic"}},
		{"both", &TrackSet{SystemAudio: sys, Mic: mic}, []string{"audio", "mic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, tr := range tt.set.Audio() {
				got = append(got, tr.ID())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticPermissions(t *testing.T) {
	p := &StaticPermissions{Granted: []Permission{PermissionScreenCapture}}
	got, err := p.RequestPermissions(context.Background(), []Permission{PermissionScreenCapture, PermissionRecordAudio})
	require.NoError(t, err)
	assert.True(t, got[PermissionScreenCapture])
	assert.False(t, got[PermissionRecordAudio])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = GrantAll().RequestPermissions(ctx, []Permission{PermissionScreenCapture})
	assert.ErrorIs(t, err, context.Canceled)
}

// writeIVF writes a VP8 IVF file with the given number of tiny frames.
func writeIVF(t *testing.T, frames int) string {
	t.Helper()
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 64)
	binary.LittleEndian.PutUint16(header[14:], 48)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(frames))

	buf := header
	for i := 0; i < frames; i++ {
		frame := make([]byte, 12)
		binary.LittleEndian.PutUint32(frame[0:], 4)
		binary.LittleEndian.PutUint64(frame[4:], uint64(i))
		buf = append(buf, frame...)
		buf = append(buf, 0x10, 0x02, 0x00, 0x9d)
	}

	path := filepath.Join(t.TempDir(), "screen.ivf")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestFileCapturerDisplayMedia(t *testing.T) {
	video := writeIVF(t, 3)
	c := NewFileCapturer(video, filepath.Join(t.TempDir(), "missing.ogg"), "", zerolog.Nop())

	res, err := c.GetDisplayMedia(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, res.VideoTracks, 1)
	assert.Empty(t, res.AudioTracks, "unreadable display audio is not fatal")

	tr := res.VideoTracks[0]
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tr.Kind())
	assert.Equal(t, "screen", tr.StreamID())
	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
}

func TestFileCapturerErrors(t *testing.T) {
	c := NewFileCapturer("", "", "", zerolog.Nop())

	_, err := c.GetDisplayMedia(context.Background(), true, false)
	assert.Error(t, err)

	_, err = c.GetUserMedia(context.Background(), AudioConstraints{EchoCancellation: true})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.ivf")
	require.NoError(t, os.WriteFile(bad, []byte("not an ivf file at all, definitely"), 0o600))
	c.VideoFile = bad
	_, err = c.GetDisplayMedia(context.Background(), true, false)
	assert.Error(t, err)
}

func TestVideoMimeType(t *testing.T) {
	for fourCC, want := range map[string]string{
		"VP80": webrtc.MimeTypeVP8,
		"VP90": webrtc.MimeTypeVP9,
		"AV01": webrtc.MimeTypeAV1,
	} {
		got, err := videoMimeType(fourCC)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := videoMimeType("H264")
	assert.Error(t, err)
}
