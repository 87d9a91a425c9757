package audio

import (
	"math"
	"sync"
)

// VAD implements voice-activity detection using RMS energy over a one-pole
// 80 Hz high-pass pre-filter: short-term energy over 20 ms frames after a
// high-pass filter at 80 Hz.
type VAD struct {
	config *VADConfig
	mu     sync.Mutex

	energyHistory []float64
	historyIndex  int

	// one-pole high-pass filter state
	hpPrevIn  float64
	hpPrevOut float64
	sampleRate int
}

// NewVAD creates a VAD sampling at rate Hz (the canonical pipeline runs at
// 16 kHz mono).
func NewVAD(config *VADConfig, sampleRate int) *VAD {
	if config == nil {
		config = DefaultVADConfig()
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &VAD{
		config:        config,
		energyHistory: make([]float64, config.SmoothingFrames),
		sampleRate:    sampleRate,
	}
}

// Process runs the high-pass filter and RMS computation over one frame of
// int16 PCM samples and returns the smoothed VAD decision.
func (v *VAD) Process(samples []int16) VADResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	filtered := v.highPass(samples)
	rms := rmsOf(filtered)

	v.energyHistory[v.historyIndex] = rms
	v.historyIndex = (v.historyIndex + 1) % len(v.energyHistory)
	smoothed := v.smoothedRMS()

	isSpeech := smoothed >= v.config.Threshold
	confidence := 0.5
	if isSpeech {
		confidence = math.Min(1.0, 0.5+(smoothed-v.config.Threshold)*10)
	} else {
		confidence = math.Max(0.0, 0.5-(v.config.Threshold-smoothed)*10)
	}

	return VADResult{IsSpeech: isSpeech, Confidence: confidence, RMS: smoothed}
}

// highPass applies a one-pole high-pass IIR filter at config.HighPassHz,
// y[n] = a*(y[n-1] + x[n] - x[n-1]), carrying filter state across calls so
// frame boundaries don't introduce discontinuities.
func (v *VAD) highPass(samples []int16) []float64 {
	cutoff := v.config.HighPassHz
	if cutoff <= 0 {
		cutoff = 80
	}
	rc := 1.0 / (2 * math.Pi * cutoff)
	dt := 1.0 / float64(v.sampleRate)
	alpha := rc / (rc + dt)

	out := make([]float64, len(samples))
	prevIn, prevOut := v.hpPrevIn, v.hpPrevOut
	for i, s := range samples {
		in := float64(s) / 32768.0
		y := alpha * (prevOut + in - prevIn)
		out[i] = y
		prevIn, prevOut = in, y
	}
	v.hpPrevIn, v.hpPrevOut = prevIn, prevOut
	return out
}

func rmsOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func (v *VAD) smoothedRMS() float64 {
	var sum float64
	for _, e := range v.energyHistory {
		sum += e
	}
	return sum / float64(len(v.energyHistory))
}

// Reset clears filter and smoothing state, e.g. between recordings.
func (v *VAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.historyIndex = 0
	v.hpPrevIn, v.hpPrevOut = 0, 0
	for i := range v.energyHistory {
		v.energyHistory[i] = 0
	}
}

// UpdateConfig swaps the VAD's tuning knobs, resizing the smoothing window
// if needed.
func (v *VAD) UpdateConfig(config *VADConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.config = config
	if len(v.energyHistory) != config.SmoothingFrames {
		v.energyHistory = make([]float64, config.SmoothingFrames)
		v.historyIndex = 0
	}
}
