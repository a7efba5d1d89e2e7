package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

const (
	oggPageDuration   = 20 * time.Millisecond
	opusSampleRate    = 48000
	defaultFrameDelay = 33 * time.Millisecond
)

// FileCapturer stands in for a screen recorder by replaying an IVF video
// file as the display and Ogg/Opus files as display audio and microphone.
// Playback loops until the track is stopped.
type FileCapturer struct {
	VideoFile string
	AudioFile string
	MicFile   string

	logger zerolog.Logger
}

func NewFileCapturer(videoFile, audioFile, micFile string, logger zerolog.Logger) *FileCapturer {
	return &FileCapturer{
		VideoFile: videoFile,
		AudioFile: audioFile,
		MicFile:   micFile,
		logger:    logger.With().Str("module", "capture").Logger(),
	}
}

func (c *FileCapturer) GetDisplayMedia(ctx context.Context, video, audio bool) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{}
	if video {
		if c.VideoFile == "" {
			return nil, errors.New("no video source configured")
		}
		t, err := openIVFTrack(c.VideoFile, "screen", c.logger)
		if err != nil {
			return nil, err
		}
		res.VideoTracks = append(res.VideoTracks, t)
	}
	if audio && c.AudioFile != "" {
		t, err := openOggTrack(c.AudioFile, "audio", "screen", c.logger)
		if err != nil {
			// System audio is optional on most platforms.
			c.logger.Warn().Err(err).Str("file", c.AudioFile).Msg("display audio unavailable")
		} else {
			res.AudioTracks = append(res.AudioTracks, t)
		}
	}
	return res, nil
}

func (c *FileCapturer) GetUserMedia(ctx context.Context, constraints AudioConstraints) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.MicFile == "" {
		return nil, errors.New("no microphone source configured")
	}
	c.logger.Debug().
		Bool("echo_cancellation", constraints.EchoCancellation).
		Bool("noise_suppression", constraints.NoiseSuppression).
		Msg("opening microphone")
	t, err := openOggTrack(c.MicFile, "mic", "mic", c.logger)
	if err != nil {
		return nil, err
	}
	return &Result{AudioTracks: []Track{t}}, nil
}

// sampleTrack is a static sample track fed by a background pump.
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (t *sampleTrack) Stop() error {
	t.once.Do(func() {
		t.cancel()
		<-t.done
	})
	return nil
}

func startPump(track *webrtc.TrackLocalStaticSample, file *os.File, pump func(ctx context.Context) error, logger zerolog.Logger) *sampleTrack {
	ctx, cancel := context.WithCancel(context.Background())
	st := &sampleTrack{TrackLocalStaticSample: track, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(st.done)
		defer file.Close()
		if err := pump(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Str("track", track.ID()).Msg("capture pump stopped")
		}
	}()
	return st
}

func videoMimeType(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("unsupported ivf codec %q", fourCC)
	}
}

func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return defaultFrameDelay
	}
	return time.Duration(float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator) * float64(time.Second))
}

func openIVFTrack(path, streamID string, logger zerolog.Logger) (Track, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video file: %w", err)
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ivf header: %w", err)
	}
	mime, err := videoMimeType(header.FourCC)
	if err != nil {
		file.Close()
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	delay := frameDuration(header)
	pump := func(ctx context.Context) error {
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if _, err := file.Seek(0, io.SeekStart); err != nil {
					return err
				}
				if reader, _, err = ivfreader.NewWith(file); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := track.WriteSample(media.Sample{Data: frame, Duration: delay}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debug().Err(err).Msg("write video sample")
			}
		}
	}

	logger.Info().Str("file", path).Str("codec", mime).Dur("frame_delay", delay).Msg("video capture opened")
	return startPump(track, file, pump, logger), nil
}

func openOggTrack(path, trackID, streamID string, logger zerolog.Logger) (Track, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, trackID, streamID)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	pump := func(ctx context.Context) error {
		var lastGranule uint64
		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			page, header, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				if _, err := file.Seek(0, io.SeekStart); err != nil {
					return err
				}
				if reader, _, err = oggreader.NewWith(file); err != nil {
					return err
				}
				lastGranule = 0
				continue
			}
			if err != nil {
				return err
			}
			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
			if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debug().Err(err).Msg("write audio sample")
			}
		}
	}

	logger.Info().Str("file", path).Str("track", trackID).Msg("audio capture opened")
	return startPump(track, file, pump, logger), nil
}
