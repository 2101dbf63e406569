// Package media owns the local audio capture for the active voice session:
// acquired once per join, muted in place, released on leave.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// ErrMediaUnavailable covers permission denial and missing devices. The
// session proceeds without an outbound track instead of aborting.
var ErrMediaUnavailable = errors.New("local media unavailable")

var errAlreadyAcquired = errors.New("media already acquired")

// Controller hands out at most one Handle at a time.
type Controller struct {
	mu        sync.Mutex
	newSource func() Source
	handle    *Handle
}

// NewController wraps a capture source factory. Every acquisition opens its
// own source and closes it on release, so a leave/join cycle starts from a
// fresh capture. A nil factory models a client with no usable microphone:
// Acquire fails, the session stays listen-only.
func NewController(newSource func() Source) *Controller {
	return &Controller{newSource: newSource}
}

// Acquire opens a source, starts the capture pump and returns the handle.
func (c *Controller) Acquire(_ context.Context) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		return nil, errAlreadyAcquired
	}
	if c.newSource == nil {
		return nil, ErrMediaUnavailable
	}
	source := c.newSource()
	if source == nil {
		return nil, ErrMediaUnavailable
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voicemesh",
	)
	if err != nil {
		_ = source.Close()
		return nil, errors.Join(ErrMediaUnavailable, err)
	}

	h := &Handle{track: track, stop: make(chan struct{})}
	h.enabled.Store(true)
	go h.pump(source)
	c.handle = h
	log.Info().Str("module", "media").Msg("local media acquired")
	return h, nil
}

// Release stops the pump. Idempotent; safe when nothing is acquired.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return
	}
	c.handle.stopOnce.Do(func() { close(c.handle.stop) })
	c.handle = nil
	log.Info().Str("module", "media").Msg("local media released")
}

// Handle is the acquired microphone. Muting flips an atomic gate on the
// sample pump; the track itself never changes, so no peer connection ever
// renegotiates over a mute.
type Handle struct {
	track    *webrtc.TrackLocalStaticSample
	enabled  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func (h *Handle) Track() *webrtc.TrackLocalStaticSample { return h.track }

func (h *Handle) SetEnabled(enabled bool) { h.enabled.Store(enabled) }

func (h *Handle) Enabled() bool { return h.enabled.Load() }

func (h *Handle) pump(src Source) {
	for {
		select {
		case <-h.stop:
			if err := src.Close(); err != nil {
				log.Error().Err(err).Str("module", "media").Msg("source close")
			}
			return
		default:
		}
		data, dur, err := src.Next()
		if err != nil {
			log.Error().Err(err).Str("module", "media").Msg("capture stopped")
			return
		}
		if !h.enabled.Load() {
			continue // muted: keep pacing, write nothing
		}
		if err := h.track.WriteSample(pionmedia.Sample{Data: data, Duration: dur}); err != nil {
			log.Error().Err(err).Str("module", "media").Msg("write sample")
		}
	}
}
