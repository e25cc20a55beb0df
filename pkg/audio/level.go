package audio

import (
	"math"
	"time"
)

// Clamp limits interleaved samples to [-1, 1] in place. Opus can overshoot
// during transients and decoder warmup.
func Clamp(samples []float32) {
	for i, v := range samples {
		if v > 1 {
			samples[i] = 1
		} else if v < -1 {
			samples[i] = -1
		}
	}
}

// Downmix averages n interleaved frames of channels into a new mono slice
func Downmix(interleaved []float32, n, channels int) []float32 {
	mono := make([]float32, n)
	if channels <= 1 {
		copy(mono, interleaved[:n])
		return mono
	}
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// RMS returns the root mean square of samples
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

// DBFS converts an RMS level to decibels relative to full scale
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// DetectorConfig tunes a SpeechDetector
type DetectorConfig struct {
	// ThresholdDB is the level above which a frame counts as voiced
	ThresholdDB float64
	// Attack is how long voiced frames must last before speaking starts
	Attack time.Duration
	// Release is how long silence must last before speaking stops
	Release time.Duration
}

// DefaultDetectorConfig suits 20ms Opus frames of conversational speech
var DefaultDetectorConfig = DetectorConfig{
	ThresholdDB: -45,
	Attack:      60 * time.Millisecond,
	Release:     600 * time.Millisecond,
}

// SpeechDetector turns frame levels into a speaking flag with hysteresis.
// It is not safe for concurrent use.
type SpeechDetector struct {
	cfg      DetectorConfig
	speaking bool
	voiced   time.Duration
	silent   time.Duration
}

// NewSpeechDetector creates a detector
func NewSpeechDetector(cfg DetectorConfig) *SpeechDetector {
	return &SpeechDetector{cfg: cfg}
}

// Feed accounts one frame lasting dur. It returns the speaking flag and
// whether it changed with this frame.
func (d *SpeechDetector) Feed(frame []float32, dur time.Duration) (speaking, changed bool) {
	if DBFS(RMS(frame)) >= d.cfg.ThresholdDB {
		d.voiced += dur
		d.silent = 0
		if !d.speaking && d.voiced >= d.cfg.Attack {
			d.speaking = true
			return true, true
		}
		return d.speaking, false
	}

	d.silent += dur
	d.voiced = 0
	if d.speaking && d.silent >= d.cfg.Release {
		d.speaking = false
		return false, true
	}
	return d.speaking, false
}

// Speaking returns the current flag
func (d *SpeechDetector) Speaking() bool { return d.speaking }
