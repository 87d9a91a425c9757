package voice

import (
	"context"
	"time"

	"github.com/normanking/voicemoded/internal/voicetypes"
)

// transcribe drives Transcribing -> Done: STT candidates are tried in
// registry order, exactly mirroring speak's failover loop.
func (e *Engine) transcribe(ctx context.Context, sess *session, req voicetypes.ConverseRequest, buffer voicetypes.AudioBuffer) (string, string, time.Duration, *voicetypes.VoiceError) {
	format := resolveFormat(req.Format, e.cfg.DefaultSTTFormat)
	candidates := pickCandidates(e.sttReg, voicetypes.KindSTT, req.STTProvider, "", req.Model, format)
	if len(candidates) == 0 {
		return "", "", 0, voicetypes.NewError(voicetypes.KindNoMatchingProvider, "no stt endpoint matches requested model/format")
	}

	sttStart := e.clock.Now()
	e.emit(sess.id, voicetypes.EventSTTStart, map[string]any{"format": format})

	var lastErr error
	for _, ep := range candidates {
		if verr := checkCtx(ctx, sess); verr != nil {
			return "", "", 0, verr
		}
		attemptCtx, cancel := attemptTimeout(ctx, e.cfg.PerAttemptTimeout)
		text, err := e.stt.Transcribe(attemptCtx, &ep, buffer, format)
		cancel()
		if err != nil {
			lastErr = err
			e.sttReg.ReportFailure(voicetypes.KindSTT, ep.ID)
			continue
		}
		e.sttReg.ReportSuccess(voicetypes.KindSTT, ep.ID)

		processed := e.pronounce.ProcessSTT(text)
		sttEnd := e.clock.Now()
		e.emit(sess.id, voicetypes.EventSTTComplete, map[string]any{"text": processed})
		return processed, ep.ID, sttEnd.Sub(sttStart), nil
	}

	return "", "", 0, voicetypes.Wrap(voicetypes.KindProviderExhausted, "all stt candidates failed", lastErr)
}
