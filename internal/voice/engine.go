// Package voice implements the Conversation Engine: the converse/cancel/
// status state machine that drives TTS synthesis, playback, VAD-gated
// recording, and STT transcription across the Provider Registry and the
// configured Transport.
package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/voicemoded/internal/audio"
	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/pronounce"
	"github.com/normanking/voicemoded/internal/registry"
	"github.com/normanking/voicemoded/internal/voicetypes"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// TransportBinding pairs the playback and capture implementations for one
// Transport value ("local" or "room").
type TransportBinding struct {
	Playback voicetypes.AudioPlayback
	Capture  voicetypes.AudioCapture
}

// Config holds the engine's timing knobs.
type Config struct {
	PerAttemptTimeout time.Duration
	TTFABudget        time.Duration
	MinPrebufferMs    int
	ConcurrencyCap    int
	SampleRate        int
	// DefaultTTSFormat and DefaultSTTFormat are the wire formats used when a
	// ConverseRequest doesn't override Format, normally sourced from
	// VOICEMODE_AUDIO_FORMAT.
	DefaultTTSFormat string
	DefaultSTTFormat string
}

// DefaultConfig returns the engine's baseline timing defaults.
func DefaultConfig() Config {
	return Config{
		PerAttemptTimeout: 10 * time.Second,
		TTFABudget:        10 * time.Second,
		MinPrebufferMs:    150,
		ConcurrencyCap:    4,
		SampleRate:        16000,
		DefaultTTSFormat:  "pcm",
		DefaultSTTFormat:  "wav",
	}
}

// Engine is the Conversation Engine: one converse() call at a time per
// session, up to Config.ConcurrencyCap sessions in flight globally.
type Engine struct {
	cfg        Config
	vadConfig  *audio.VADConfig
	ttsReg     *registry.Registry
	sttReg     *registry.Registry
	tts        voicetypes.TtsSink
	stt        voicetypes.SttSource
	pronounce  *pronounce.Manager
	events     voicetypes.EventSink
	clock      clockenv.Clock
	transports map[voicetypes.Transport]TransportBinding
	roomJoined func() bool
	logger     zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	lastEvent voicetypes.Event
	sem       *semaphore.Weighted
}

// New builds a Conversation Engine. transports must contain at least
// "local"; "room" is optional and roomJoined may be nil if room transport
// is not wired.
func New(cfg Config, vadConfig *audio.VADConfig, ttsReg, sttReg *registry.Registry, tts voicetypes.TtsSink, stt voicetypes.SttSource, pronounceMgr *pronounce.Manager, events voicetypes.EventSink, clock clockenv.Clock, transports map[voicetypes.Transport]TransportBinding, roomJoined func() bool, logger zerolog.Logger) *Engine {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 4
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.DefaultTTSFormat == "" {
		cfg.DefaultTTSFormat = "pcm"
	}
	if cfg.DefaultSTTFormat == "" {
		cfg.DefaultSTTFormat = "wav"
	}
	if clock == nil {
		clock = clockenv.RealClock{}
	}
	return &Engine{
		cfg:        cfg,
		vadConfig:  vadConfig,
		ttsReg:     ttsReg,
		sttReg:     sttReg,
		tts:        tts,
		stt:        stt,
		pronounce:  pronounceMgr,
		events:     events,
		clock:      clock,
		transports: transports,
		roomJoined: roomJoined,
		logger:     logger.With().Str("component", "voice").Logger(),
		sessions:   make(map[string]*session),
		sem:        semaphore.NewWeighted(int64(cfg.ConcurrencyCap)),
	}
}

func (e *Engine) emit(sessionID string, eventType voicetypes.EventType, data map[string]any) {
	ev := voicetypes.Event{Timestamp: e.clock.Now(), SessionID: sessionID, EventType: eventType, Data: data}
	e.mu.Lock()
	e.lastEvent = ev
	e.mu.Unlock()
	if e.events != nil {
		e.events.Emit(sessionID, eventType, data)
	}
}

// Status answers the status() operation.
func (e *Engine) Status() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return StatusSnapshot{ActiveSessions: len(e.sessions), LastEvent: e.lastEvent}
}

// Cancel transitions sessionID to Cancelled at its next suspension point.
// It is idempotent; an unknown session is reported as KindInvalidRequest.
func (e *Engine) Cancel(sessionID string) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return voicetypes.NewError(voicetypes.KindInvalidRequest, "unknown session")
	}
	sess.requestCancel()
	e.emit(sessionID, voicetypes.EventCancel, nil)
	return nil
}

func (e *Engine) resolveTransport(requested voicetypes.Transport) voicetypes.Transport {
	if requested == voicetypes.TransportAuto || requested == "" {
		if e.roomJoined != nil && e.roomJoined() {
			return voicetypes.TransportRoom
		}
		return voicetypes.TransportLocal
	}
	return requested
}

// Converse runs the full listen/speak state machine for one turn.
func (e *Engine) Converse(ctx context.Context, req voicetypes.ConverseRequest) *voicetypes.ConverseResponse {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return failureResponse(voicetypes.Wrap(voicetypes.KindDeadlineExceeded, "concurrency cap wait", err))
	}
	defer e.sem.Release(1)

	overall := e.overallDeadline(req)
	sessCtx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	id := uuid.NewString()
	sess := newSession(id, cancel, e.clock.Now())
	e.mu.Lock()
	e.sessions[id] = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, id)
		e.mu.Unlock()
	}()

	resp := e.run(sessCtx, sess, req)
	return resp
}

func (e *Engine) overallDeadline(req voicetypes.ConverseRequest) time.Duration {
	listenS := req.ListenDurationS
	if listenS <= 0 {
		listenS = float64(e.vadConfig.MaxListenS)
	}
	return time.Duration(listenS*float64(time.Second)) + e.cfg.TTFABudget + 10*time.Second
}

func (e *Engine) run(ctx context.Context, sess *session, req voicetypes.ConverseRequest) *voicetypes.ConverseResponse {
	sess.setState(StatePreparing)
	e.emit(sess.id, voicetypes.EventToolRequestStart, map[string]any{"message": req.Message, "wait_for_response": req.WaitForResponse})

	var timing voicetypes.Timing
	var providers voicetypes.ProvidersUsed

	binding, ok := e.transports[e.resolveTransport(req.Transport)]
	if !ok {
		return e.fail(sess, voicetypes.NewError(voicetypes.KindServiceUnavailable, "no transport bound"), timing, providers)
	}

	if req.Message != "" {
		sess.setState(StateSpeaking)
		result, verr := e.speak(ctx, sess, req, binding)
		if verr != nil {
			return e.fail(sess, verr, timing, providers)
		}
		timing.TTFA = result.ttfa
		timing.TTSGen = result.ttsGen
		timing.TTSPlay = result.ttsPlay
		providers.TTS = result.providerID
	}

	if verr := checkCtx(ctx, sess); verr != nil {
		return e.fail(sess, verr, timing, providers)
	}

	sess.setState(StateListening)
	if !req.WaitForResponse {
		sess.setState(StateDone)
		e.emit(sess.id, voicetypes.EventToolRequestEnd, map[string]any{"success": true})
		return &voicetypes.ConverseResponse{Success: true, Timing: timing, ProviderUsed: providers}
	}

	recResult, verr := e.record(ctx, sess, req, binding)
	if verr != nil {
		return e.fail(sess, verr, timing, providers)
	}
	timing.Record = recResult.duration

	sess.setState(StateTranscribing)
	text, sttID, sttDur, verr := e.transcribe(ctx, sess, req, recResult.buffer)
	if verr != nil {
		return e.fail(sess, verr, timing, providers)
	}
	timing.STT = sttDur
	providers.STT = sttID

	sess.setState(StateDone)
	e.emit(sess.id, voicetypes.EventToolRequestEnd, map[string]any{"success": true})
	return &voicetypes.ConverseResponse{Success: true, Transcript: text, Timing: timing, ProviderUsed: providers}
}

// fail builds the failure response for verr, preserving whatever timing and
// provider usage was already recorded by phases that completed before the
// failure: an earlier TTS success followed by a later STT failure still
// reports TTS timing and provider usage.
func (e *Engine) fail(sess *session, verr *voicetypes.VoiceError, timing voicetypes.Timing, providers voicetypes.ProvidersUsed) *voicetypes.ConverseResponse {
	if sess.isCancelled() {
		sess.setState(StateCancelled)
	} else {
		sess.setState(StateFailed)
	}
	e.emit(sess.id, voicetypes.EventError, map[string]any{"kind": string(verr.Kind), "detail": verr.Detail})
	e.emit(sess.id, voicetypes.EventToolRequestEnd, map[string]any{"success": false, "error": string(verr.Kind)})
	return &voicetypes.ConverseResponse{
		Success:      false,
		Error:        &voicetypes.ErrorPayload{Kind: verr.Kind, Detail: verr.Detail},
		Timing:       timing,
		ProviderUsed: providers,
	}
}

func failureResponse(verr *voicetypes.VoiceError) *voicetypes.ConverseResponse {
	return &voicetypes.ConverseResponse{Success: false, Error: &voicetypes.ErrorPayload{Kind: verr.Kind, Detail: verr.Detail}}
}

// checkCtx reports a terminal VoiceError if ctx has been cancelled or has
// expired, distinguishing cancellation from deadline exceeded.
func checkCtx(ctx context.Context, sess *session) *voicetypes.VoiceError {
	select {
	case <-ctx.Done():
		if sess.isCancelled() {
			return voicetypes.NewError(voicetypes.KindCancelled, "session cancelled")
		}
		return voicetypes.Wrap(voicetypes.KindDeadlineExceeded, "overall deadline exceeded", ctx.Err())
	default:
		return nil
	}
}

func attemptTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

func pickCandidates(reg *registry.Registry, kind voicetypes.ProviderKind, explicitID, voice, model, format string) []voicetypes.ProviderEndpoint {
	if explicitID != "" {
		for _, ep := range reg.List(kind) {
			if ep.ID == explicitID {
				return []voicetypes.ProviderEndpoint{ep}
			}
		}
		return nil
	}
	return reg.Pick(kind, registry.Filter{Voice: voice, Model: model, Format: format})
}

// resolveFormat picks the wire format for one leg of a conversation: an
// explicit per-request override wins, otherwise the engine's configured
// default for that leg.
func resolveFormat(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

func formatError(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
