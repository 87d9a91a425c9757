package voice

import (
	"context"
	"time"

	"github.com/normanking/voicemoded/internal/audio"
	"github.com/normanking/voicemoded/internal/voicetypes"
)

type recordResult struct {
	duration time.Duration
	buffer   voicetypes.AudioBuffer
}

// record drives Listening -> Recording -> Transcribing, applying the VAD
// recording-end policy. Recording only begins after TTS_PLAYBACK_END (or
// immediately, if the message was empty) to avoid echo.
func (e *Engine) record(ctx context.Context, sess *session, req voicetypes.ConverseRequest, binding TransportBinding) (recordResult, *voicetypes.VoiceError) {
	if verr := checkCtx(ctx, sess); verr != nil {
		return recordResult{}, verr
	}

	frames, err := binding.Capture.Start(ctx)
	if err != nil {
		return recordResult{}, voicetypes.Wrap(voicetypes.KindServiceUnavailable, "capture start failed", err)
	}

	sess.setState(StateRecording)
	recordStart := e.clock.Now()
	e.emit(sess.id, voicetypes.EventRecordingStart, nil)

	listenDuration := time.Duration(req.ListenDurationS * float64(time.Second))
	vad := audio.NewVAD(e.vadConfig, e.cfg.SampleRate)
	recorder := audio.NewRecorder(vad, e.vadConfig, e.clock, listenDuration)

	var samples []int16
	var reason audio.EndReason

recordLoop:
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				break recordLoop
			}
			samples = append(samples, frame...)
			ended, r := recorder.Feed(frame)
			if ended {
				reason = r
				break recordLoop
			}
		case <-ctx.Done():
			binding.Capture.Stop()
			if sess.isCancelled() {
				return recordResult{}, voicetypes.NewError(voicetypes.KindCancelled, "session cancelled during recording")
			}
			return recordResult{}, voicetypes.Wrap(voicetypes.KindDeadlineExceeded, "overall deadline exceeded during recording", ctx.Err())
		}
	}
	binding.Capture.Stop()

	recordEnd := e.clock.Now()
	e.emit(sess.id, voicetypes.EventRecordingEnd, map[string]any{"reason": string(reason)})

	if reason == audio.EndNoSpeechDetected {
		return recordResult{}, voicetypes.NewError(voicetypes.KindNoSpeechDetected, "no speech detected within initial grace period")
	}

	return recordResult{
		duration: recordEnd.Sub(recordStart),
		buffer:   voicetypes.AudioBuffer{Samples: samples, Rate: e.cfg.SampleRate, Channels: 1},
	}, nil
}
