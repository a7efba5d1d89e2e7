package capture

import (
	"fmt"
	"sync"
)

// TrackSet holds every track a session took ownership of. Surplus tracks
// are collected but never attached; they are stopped with the rest.
type TrackSet struct {
	Video       Track
	SystemAudio Track
	Mic         Track

	surplus []Track
	once    sync.Once
}

// Hold keeps a track that was produced but will not be attached.
func (s *TrackSet) Hold(t Track) {
	if t != nil {
		s.surplus = append(s.surplus, t)
	}
}

// Audio returns the attachable audio tracks in collection order.
func (s *TrackSet) Audio() []Track {
	var out []Track
	if s.SystemAudio != nil {
		out = append(out, s.SystemAudio)
	}
	if s.Mic != nil {
		out = append(out, s.Mic)
	}
	return out
}

func (s *TrackSet) all() []Track {
	var out []Track
	for _, t := range []Track{s.Video, s.SystemAudio, s.Mic} {
		if t != nil {
			out = append(out, t)
		}
	}
	return append(out, s.surplus...)
}

// Len reports how many tracks are held, attached or not.
func (s *TrackSet) Len() int {
	return len(s.all())
}

// StopAll stops every held track. Only the first call does anything; the
// returned errors describe tracks that failed to stop.
func (s *TrackSet) StopAll() []error {
	var errs []error
	s.once.Do(func() {
		for _, t := range s.all() {
			if err := t.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop track %s: %w", t.ID(), err))
			}
		}
	})
	return errs
}
