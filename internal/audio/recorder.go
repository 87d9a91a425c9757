package audio

import (
	"time"

	"github.com/normanking/voicemoded/internal/clockenv"
)

// EndReason names why the recording-end policy decided to stop capture.
type EndReason string

const (
	EndNone            EndReason = ""
	EndListenDuration  EndReason = "listen_duration_elapsed"
	EndSilenceTail     EndReason = "silence_tail"
	EndMaxListen       EndReason = "max_listen_elapsed"
	EndNoSpeechDetected EndReason = "no_speech_detected"
)

// Recorder implements the Conversation Engine's recording-end policy:
// recording ends at the earliest of listen_duration_s elapsed,
// silence_tail_ms of trailing silence after min_speech_ms of speech, or the
// max_listen_s hard cap; if silence triggers before any speech was ever
// detected, the engine may extend up to initial_grace_s before giving up.
type Recorder struct {
	vad    *VAD
	config *VADConfig
	clock  clockenv.Clock

	listenDuration time.Duration // 0 means "unbounded until the other conditions trigger"
	startedAt      time.Time

	speechStarted   bool
	speechDuration  time.Duration
	lastSpeechAt    time.Time
	lastFrameAt     time.Time
}

// NewRecorder starts a recording-end policy session at clock.Now().
func NewRecorder(vad *VAD, config *VADConfig, clock clockenv.Clock, listenDuration time.Duration) *Recorder {
	if clock == nil {
		clock = clockenv.RealClock{}
	}
	now := clock.Now()
	return &Recorder{
		vad:            vad,
		config:         config,
		clock:          clock,
		listenDuration: listenDuration,
		startedAt:      now,
	}
}

// Feed processes one frame of captured samples and reports whether
// recording should end now, and why.
func (r *Recorder) Feed(samples []int16) (bool, EndReason) {
	now := r.clock.Now()
	result := r.vad.Process(samples)
	elapsed := now.Sub(r.startedAt)

	if r.listenDuration > 0 && elapsed >= r.listenDuration {
		return true, EndListenDuration
	}
	if elapsed >= msDuration(r.config.MaxListenS*1000) {
		return true, EndMaxListen
	}

	frameDuration := now.Sub(r.lastFrameAt)
	if r.lastFrameAt.IsZero() || frameDuration <= 0 || frameDuration > time.Second {
		frameDuration = 0
	}
	r.lastFrameAt = now

	if result.IsSpeech {
		r.speechStarted = true
		r.speechDuration += frameDuration
		r.lastSpeechAt = now
		return false, EndNone
	}

	if !r.speechStarted {
		// No speech yet: only give up after initial_grace_s of total silence.
		if elapsed >= sDuration(r.config.InitialGraceS) {
			return true, EndNoSpeechDetected
		}
		return false, EndNone
	}

	silenceDuration := now.Sub(r.lastSpeechAt)
	if r.speechDuration >= msDuration(r.config.MinSpeechMs) && silenceDuration >= msDuration(r.config.SilenceTailMs) {
		return true, EndSilenceTail
	}
	return false, EndNone
}
