package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/voicemoded/internal/audiocodec"
	"github.com/normanking/voicemoded/internal/voicetypes"
)

type speakResult struct {
	ttfa       time.Duration
	ttsGen     time.Duration
	ttsPlay    time.Duration
	providerID string
}

// speak drives Speaking -> FirstAudio -> Playing -> Listening, trying TTS
// candidates in registry order until one succeeds or the list is exhausted
// (provider_exhausted).
func (e *Engine) speak(ctx context.Context, sess *session, req voicetypes.ConverseRequest, binding TransportBinding) (speakResult, *voicetypes.VoiceError) {
	text := e.pronounce.ProcessTTS(req.Message)
	format := resolveFormat(req.Format, e.cfg.DefaultTTSFormat)

	candidates := pickCandidates(e.ttsReg, voicetypes.KindTTS, req.TTSProvider, req.Voice, req.Model, format)
	if len(candidates) == 0 {
		return speakResult{}, voicetypes.NewError(voicetypes.KindNoMatchingProvider, "no tts endpoint matches requested voice/model/format")
	}

	ttsStart := e.clock.Now()
	e.emit(sess.id, voicetypes.EventTTSStart, map[string]any{"voice": req.Voice, "model": req.Model, "format": format})

	var lastErr error
	for _, ep := range candidates {
		if verr := checkCtx(ctx, sess); verr != nil {
			return speakResult{}, verr
		}
		result, err := e.speakAttempt(ctx, sess, ep, text, req.Voice, req.Model, format, binding, ttsStart)
		if err != nil {
			lastErr = err
			e.ttsReg.ReportFailure(voicetypes.KindTTS, ep.ID)
			continue
		}
		e.ttsReg.ReportSuccess(voicetypes.KindTTS, ep.ID)
		result.providerID = ep.ID
		return result, nil
	}

	return speakResult{}, voicetypes.Wrap(voicetypes.KindProviderExhausted, "all tts candidates failed", lastErr)
}

func (e *Engine) speakAttempt(ctx context.Context, sess *session, ep voicetypes.ProviderEndpoint, text, voice, model, format string, binding TransportBinding, ttsStart time.Time) (speakResult, error) {
	attemptCtx, cancel := attemptTimeout(ctx, e.cfg.PerAttemptTimeout)
	defer cancel()

	chunks, errc := e.tts.Synthesize(attemptCtx, &ep, text, voice, model, format)

	frameCh := make(chan []int16, 64)
	playCtx, playCancel := context.WithCancel(ctx)
	defer playCancel()
	playDone := make(chan error, 1)
	go func() { playDone <- binding.Playback.Play(playCtx, frameCh) }()

	prebufSamples := e.cfg.MinPrebufferMs * e.cfg.SampleRate / 1000
	var prebuf []int16
	buffering := true
	var firstAudioAt time.Time
	var playbackStarted bool

	flush := func(samples []int16) {
		if buffering {
			prebuf = append(prebuf, samples...)
			if len(prebuf) >= prebufSamples {
				if !playbackStarted {
					e.emit(sess.id, voicetypes.EventTTSPlaybackStart, nil)
					sess.setState(StatePlaying)
					playbackStarted = true
				}
				frameCh <- prebuf
				prebuf = nil
				buffering = false
			}
			return
		}
		frameCh <- samples
	}
	markFirstAudio := func() {
		if firstAudioAt.IsZero() {
			firstAudioAt = e.clock.Now()
			sess.setState(StateFirstAudio)
			e.emit(sess.id, voicetypes.EventTTSFirstAudio, map[string]any{"ttfa_ms": firstAudioAt.Sub(ttsStart).Milliseconds()})
		}
	}

	if audiocodec.Format(format) == audiocodec.FormatPCM {
		// Raw PCM arrives as a stream of already-decoded int16 frames, so
		// each chunk goes to flush as soon as it's read: held until the
		// prebuffer fills, then pushed straight to playback.
		var leftover byte
		var haveLeftover bool
		for chunk := range chunks {
			markFirstAudio()
			flush(pcmBytesToSamples(chunk, &leftover, &haveLeftover))
		}
	} else {
		// Framed formats (wav/opus/mp3) need their container fully in hand
		// before they can be decoded, so the whole response is buffered,
		// decoded once, and then fed to playback exactly like the PCM path.
		var body []byte
		for chunk := range chunks {
			markFirstAudio()
			body = append(body, chunk...)
		}
		if len(body) > 0 {
			codec, err := audiocodec.For(audiocodec.Format(format))
			if err != nil {
				close(frameCh)
				<-playDone
				return speakResult{}, err
			}
			decoded, err := codec.Decode(body)
			if err != nil {
				close(frameCh)
				<-playDone
				return speakResult{}, fmt.Errorf("tts endpoint %s: decode %s response: %w", ep.ID, format, err)
			}
			flush(decoded.Samples)
		}
	}
	if buffering && len(prebuf) > 0 {
		if !playbackStarted {
			e.emit(sess.id, voicetypes.EventTTSPlaybackStart, nil)
			sess.setState(StatePlaying)
			playbackStarted = true
		}
		frameCh <- prebuf
	}
	close(frameCh)

	playErr := <-playDone
	if err := <-errc; err != nil {
		return speakResult{}, err
	}
	if firstAudioAt.IsZero() {
		return speakResult{}, formatError("tts endpoint %s produced no audio", ep.ID)
	}
	if playErr != nil {
		return speakResult{}, playErr
	}

	playbackEnd := e.clock.Now()
	e.emit(sess.id, voicetypes.EventTTSPlaybackEnd, nil)

	return speakResult{
		ttfa:    firstAudioAt.Sub(ttsStart),
		ttsGen:  playbackEnd.Sub(ttsStart),
		ttsPlay: playbackEnd.Sub(firstAudioAt),
	}, nil
}

func pcmBytesToSamples(data []byte, leftover *byte, haveLeftover *bool) []int16 {
	buf := data
	if *haveLeftover {
		buf = append([]byte{*leftover}, data...)
		*haveLeftover = false
	}
	n := len(buf) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(buf[2*i]) | int16(buf[2*i+1])<<8
	}
	if len(buf)%2 == 1 {
		*leftover = buf[len(buf)-1]
		*haveLeftover = true
	}
	return samples
}
