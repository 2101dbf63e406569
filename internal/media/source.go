package media

import (
	"math"
	"time"
)

// Source produces encoded audio frames for the local track. The headless
// client has no OS microphone, so capture is abstracted behind this
// interface; real device capture plugs in the same way.
type Source interface {
	// Next returns one frame and its duration. It may block until the
	// frame is due.
	Next() ([]byte, time.Duration, error)
	Close() error
}

const (
	toneSampleRate = 48000
	toneFrame      = 20 * time.Millisecond
)

// ToneSource synthesizes a sine tone in 20ms PCM frames, paced to real
// time. Good enough to light up a mesh without a capture device.
type ToneSource struct {
	freq   float64
	phase  float64
	ticker *time.Ticker
}

func NewToneSource(freqHz float64) *ToneSource {
	return &ToneSource{freq: freqHz, ticker: time.NewTicker(toneFrame)}
}

func (t *ToneSource) Next() ([]byte, time.Duration, error) {
	<-t.ticker.C
	samples := toneSampleRate / 50 // 20ms worth
	buf := make([]byte, samples*2)
	step := 2 * math.Pi * t.freq / toneSampleRate
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(t.phase) * 0.3 * math.MaxInt16)
		t.phase += step
		buf[2*i] = byte(v)
		buf[2*i+1] = byte(v >> 8)
	}
	return buf, toneFrame, nil
}

func (t *ToneSource) Close() error {
	t.ticker.Stop()
	return nil
}
