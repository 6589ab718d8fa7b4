package fingerprint

import (
	"context"
	"math"
	"strconv"
)

// AudioSource produces the audio signature. Implementations may block; the
// generator races them against a timeout and ignores late results.
type AudioSource interface {
	Signature(ctx context.Context) (string, error)
}

// AudioSourceFunc adapts a function to AudioSource.
type AudioSourceFunc func(ctx context.Context) (string, error)

// Signature calls f(ctx).
func (f AudioSourceFunc) Signature(ctx context.Context) (string, error) { return f(ctx) }

// OfflineAudio renders a triangle oscillator through an analyser into a block
// processor. The processor sums the absolute samples of a fixed window and, once the
// window has passed, the analyser's frequency data.
type OfflineAudio struct {
	SampleRate float64
	Frequency  float64
	Frames     int
}

// DefaultAudio mirrors the usual offline-context fingerprint setup.
var DefaultAudio = OfflineAudio{SampleRate: 44100, Frequency: 10000, Frames: 5000}

const (
	windowStart = 4500
	windowEnd   = 5000
	blockSize   = 1024
	fftSize     = 256
)

// Signature implements AudioSource.
func (a OfflineAudio) Signature(ctx context.Context) (string, error) {
	if a.Frames < windowEnd {
		a.Frames = windowEnd
	}
	an := newAnalyser(fftSize)
	var p processor
	block := make([]float64, 0, blockSize)
	for i := 0; i < a.Frames; i++ {
		block = append(block, an.pass(triangle(a.Frequency, a.SampleRate, i)))
		if len(block) < blockSize && i < a.Frames-1 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p.process(i+1-len(block), block, an)
		block = block[:0]
	}
	return strconv.FormatFloat(p.sum, 'f', -1, 64), nil
}

func triangle(freq, rate float64, i int) float64 {
	phase := math.Mod(freq*float64(i)/rate, 1)
	return 4*math.Abs(phase-0.5) - 1
}

// analyser passes samples through unchanged and keeps the last len(ring) of them
// for frequency analysis.
type analyser struct {
	ring []float64
	pos  int
}

func newAnalyser(n int) *analyser { return &analyser{ring: make([]float64, n)} }

func (a *analyser) pass(x float64) float64 {
	a.ring[a.pos] = x
	a.pos = (a.pos + 1) % len(a.ring)
	return x
}

// frequencyData returns the Blackman-windowed magnitude spectrum of the buffered
// samples in dB, one value per bin below Nyquist. Silent bins are -Inf.
func (a *analyser) frequencyData() []float64 {
	n := len(a.ring)
	out := make([]float64, n/2)
	for k := range out {
		var re, im float64
		for j := 0; j < n; j++ {
			x := a.ring[(a.pos+j)%n] * blackman(j, n)
			ang := 2 * math.Pi * float64(k*j) / float64(n)
			re += x * math.Cos(ang)
			im -= x * math.Sin(ang)
		}
		out[k] = 20 * math.Log10(math.Hypot(re, im)/float64(n))
	}
	return out
}

func blackman(j, n int) float64 {
	const alpha = 0.16
	x := 2 * math.Pi * float64(j) / float64(n)
	return (1-alpha)/2 - 0.5*math.Cos(x) + alpha/2*math.Cos(2*x)
}

// processor consumes rendered blocks the way a script processor node would.
type processor struct {
	sum     float64
	sampled bool
}

func (p *processor) process(start int, block []float64, an *analyser) {
	for j, s := range block {
		if n := start + j; n >= windowStart && n < windowEnd {
			p.sum += math.Abs(float64(float32(s)))
		}
	}
	if p.sampled || start+len(block) < windowEnd {
		return
	}
	p.sampled = true
	for _, db := range an.frequencyData() {
		if !math.IsInf(db, 0) && !math.IsNaN(db) {
			p.sum += db
		}
	}
}
