package voice

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/normanking/voicemoded/internal/audio"
	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/pronounce"
	"github.com/normanking/voicemoded/internal/registry"
	"github.com/normanking/voicemoded/internal/voicetypes"
	"github.com/rs/zerolog"
)

func loudFrame(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 20000
		} else {
			out[i] = -20000
		}
	}
	return out
}

func silentFrame(n int) []int16 { return make([]int16, n) }

type fakeCapture struct {
	frameDur time.Duration
	frames   [][]int16

	mu      sync.Mutex
	stopped bool
}

func (c *fakeCapture) Start(ctx context.Context) (<-chan []int16, error) {
	ch := make(chan []int16)
	go func() {
		defer close(ch)
		i := 0
		for {
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if stopped {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.frameDur):
			}
			var frame []int16
			if i < len(c.frames) {
				frame = c.frames[i]
			} else {
				frame = silentFrame(320)
			}
			i++
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

type fakePlayback struct{}

func (fakePlayback) Play(ctx context.Context, frames <-chan []int16) error {
	for range frames {
	}
	return nil
}
func (fakePlayback) FirstFrameAt() <-chan struct{} { return nil }

type ttsCall struct {
	endpointID, text, voice, model, format string
}

type fakeTtsSink struct {
	mu        sync.Mutex
	calls     []ttsCall
	failOnce  map[string]bool
	failed    map[string]bool
}

func newFakeTtsSink(failOnce ...string) *fakeTtsSink {
	f := &fakeTtsSink{failOnce: map[string]bool{}, failed: map[string]bool{}}
	for _, id := range failOnce {
		f.failOnce[id] = true
	}
	return f
}

func (f *fakeTtsSink) Synthesize(ctx context.Context, ep *voicetypes.ProviderEndpoint, text, voice, model, format string) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.calls = append(f.calls, ttsCall{ep.ID, text, voice, model, format})
	shouldFail := f.failOnce[ep.ID] && !f.failed[ep.ID]
	if shouldFail {
		f.failed[ep.ID] = true
	}
	f.mu.Unlock()

	chunks := make(chan []byte, 1)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errc)
		if shouldFail {
			errc <- fmt.Errorf("endpoint %s returned 503", ep.ID)
			return
		}
		chunks <- make([]byte, 6400) // 200ms of silence @16kHz mono pcm16
	}()
	return chunks, errc
}

type fakeSttSource struct {
	text    string
	failErr error
}

func (f fakeSttSource) Transcribe(ctx context.Context, ep *voicetypes.ProviderEndpoint, buf voicetypes.AudioBuffer, format string) (string, error) {
	if f.failErr != nil {
		return "", f.failErr
	}
	return f.text, nil
}

type fakeEventSink struct {
	mu     sync.Mutex
	events []voicetypes.Event
}

func (f *fakeEventSink) Emit(sessionID string, eventType voicetypes.EventType, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, voicetypes.Event{SessionID: sessionID, EventType: eventType, Data: data})
}

func (f *fakeEventSink) types() []voicetypes.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]voicetypes.EventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.EventType
	}
	return out
}

func testVADConfig() *audio.VADConfig {
	return &audio.VADConfig{
		Threshold:       0.01,
		SmoothingFrames: 5,
		HighPassHz:      80,
		SilenceTailMs:   100,
		MinSpeechMs:     60,
		MaxListenS:      5,
		InitialGraceS:   1,
	}
}

func newTestEngine(t *testing.T, tts voicetypes.TtsSink, stt voicetypes.SttSource, capture *fakeCapture, ttsReg, sttReg *registry.Registry, events *fakeEventSink, pronounceMgr *pronounce.Manager) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PerAttemptTimeout = 2 * time.Second
	cfg.TTFABudget = 2 * time.Second
	cfg.MinPrebufferMs = 0

	if pronounceMgr == nil {
		pronounceMgr = pronounce.NewManager(nil, "", false, zerolog.Nop())
	}

	transports := map[voicetypes.Transport]TransportBinding{
		voicetypes.TransportLocal: {Playback: fakePlayback{}, Capture: capture},
	}

	return New(cfg, testVADConfig(), ttsReg, sttReg, tts, stt, pronounceMgr, events, clockenv.RealClock{}, transports, nil, zerolog.Nop())
}

func newRegistries() (*registry.Registry, *registry.Registry) {
	clock := clockenv.RealClock{}
	ttsReg := registry.New(clock, time.Minute, zerolog.Nop(), nil)
	sttReg := registry.New(clock, time.Minute, zerolog.Nop(), nil)
	return ttsReg, sttReg
}

func speechThenSilenceFrames() [][]int16 {
	var frames [][]int16
	for i := 0; i < 6; i++ {
		frames = append(frames, loudFrame(320))
	}
	for i := 0; i < 10; i++ {
		frames = append(frames, silentFrame(320))
	}
	return frames
}

func TestConverse_HappyPathLocalTransport(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "tts1", Kind: voicetypes.KindTTS, BaseURL: "http://tts1", Health: voicetypes.Health{State: voicetypes.HealthHealthy}})
	sttReg.Register(&voicetypes.ProviderEndpoint{ID: "stt1", Kind: voicetypes.KindSTT, BaseURL: "http://stt1", Health: voicetypes.Health{State: voicetypes.HealthHealthy}})

	capture := &fakeCapture{frameDur: 20 * time.Millisecond, frames: speechThenSilenceFrames()}
	events := &fakeEventSink{}
	engine := newTestEngine(t, newFakeTtsSink(), fakeSttSource{text: "Goodbye."}, capture, ttsReg, sttReg, events, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := engine.Converse(ctx, voicetypes.ConverseRequest{
		Message: "Hello, world.", WaitForResponse: true, ListenDurationS: 5.0, Transport: voicetypes.TransportLocal,
	})

	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}
	if resp.Transcript != "Goodbye." {
		t.Errorf("expected transcript %q, got %q", "Goodbye.", resp.Transcript)
	}
	if resp.Timing.TTFA > time.Second {
		t.Errorf("expected ttfa <= 1s, got %v", resp.Timing.TTFA)
	}
	if resp.Timing.Record < 300*time.Millisecond {
		t.Errorf("expected recording >= 300ms, got %v", resp.Timing.Record)
	}

	want := []voicetypes.EventType{
		voicetypes.EventToolRequestStart, voicetypes.EventTTSStart, voicetypes.EventTTSFirstAudio,
		voicetypes.EventTTSPlaybackStart, voicetypes.EventTTSPlaybackEnd, voicetypes.EventRecordingStart,
		voicetypes.EventRecordingEnd, voicetypes.EventSTTStart, voicetypes.EventSTTComplete, voicetypes.EventToolRequestEnd,
	}
	assertEventSequence(t, events.types(), want)
}

func TestConverse_SpeakOnly(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "tts1", Kind: voicetypes.KindTTS, BaseURL: "http://tts1"})

	events := &fakeEventSink{}
	engine := newTestEngine(t, newFakeTtsSink(), fakeSttSource{}, &fakeCapture{frameDur: 20 * time.Millisecond}, ttsReg, sttReg, events, nil)

	resp := engine.Converse(context.Background(), voicetypes.ConverseRequest{
		Message: "Announcing build complete.", WaitForResponse: false,
	})

	if !resp.Success || resp.Transcript != "" {
		t.Fatalf("expected success with empty transcript, got %+v", resp)
	}
	for _, et := range events.types() {
		if et == voicetypes.EventRecordingStart || et == voicetypes.EventRecordingEnd || et == voicetypes.EventSTTStart || et == voicetypes.EventSTTComplete {
			t.Errorf("unexpected recording/stt event %s in speak-only scenario", et)
		}
	}
}

func TestConverse_SilentUserYieldsNoSpeechDetected(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "tts1", Kind: voicetypes.KindTTS, BaseURL: "http://tts1"})
	sttReg.Register(&voicetypes.ProviderEndpoint{ID: "stt1", Kind: voicetypes.KindSTT, BaseURL: "http://stt1"})

	capture := &fakeCapture{frameDur: 20 * time.Millisecond} // pure silence
	events := &fakeEventSink{}
	engine := newTestEngine(t, newFakeTtsSink(), fakeSttSource{text: "should not be called"}, capture, ttsReg, sttReg, events, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := engine.Converse(ctx, voicetypes.ConverseRequest{
		Message: "Hello, world.", WaitForResponse: true, ListenDurationS: 5.0,
	})

	if resp.Success || resp.Error == nil || resp.Error.Kind != voicetypes.KindNoSpeechDetected {
		t.Fatalf("expected no_speech_detected failure, got %+v", resp)
	}

	sawRecordingStart, sawRecordingEnd, sawSTT := false, false, false
	for _, et := range events.types() {
		switch et {
		case voicetypes.EventRecordingStart:
			sawRecordingStart = true
		case voicetypes.EventRecordingEnd:
			sawRecordingEnd = true
		case voicetypes.EventSTTStart, voicetypes.EventSTTComplete:
			sawSTT = true
		}
	}
	if !sawRecordingStart || !sawRecordingEnd {
		t.Errorf("expected RECORDING_START and RECORDING_END events")
	}
	if sawSTT {
		t.Errorf("did not expect any STT_* event")
	}
}

func TestConverse_TTSFailoverToSecondCandidate(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "primary", Kind: voicetypes.KindTTS, BaseURL: "http://primary", Priority: 0})
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "secondary", Kind: voicetypes.KindTTS, BaseURL: "http://secondary", Priority: 1})
	sttReg.Register(&voicetypes.ProviderEndpoint{ID: "stt1", Kind: voicetypes.KindSTT, BaseURL: "http://stt1"})

	capture := &fakeCapture{frameDur: 20 * time.Millisecond, frames: speechThenSilenceFrames()}
	events := &fakeEventSink{}
	sink := newFakeTtsSink("primary")
	engine := newTestEngine(t, sink, fakeSttSource{text: "ok"}, capture, ttsReg, sttReg, events, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := engine.Converse(ctx, voicetypes.ConverseRequest{Message: "hi", WaitForResponse: true, ListenDurationS: 5.0})

	if !resp.Success {
		t.Fatalf("expected success via failover, got %+v", resp.Error)
	}
	if resp.ProviderUsed.TTS != "secondary" {
		t.Errorf("expected provider_used.tts=secondary, got %q", resp.ProviderUsed.TTS)
	}

	primary := findEndpoint(ttsReg.List(voicetypes.KindTTS), "primary")
	if primary.Health.State != voicetypes.HealthDegraded {
		t.Errorf("expected primary health degraded after one failure, got %v", primary.Health.State)
	}
}

func TestConverse_PronunciationRuleAppliesBeforeTTS(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "tts1", Kind: voicetypes.KindTTS, BaseURL: "http://tts1"})

	mgr := pronounce.NewManager(nil, "", false, zerolog.Nop())
	if err := mgr.AddRule(voicetypes.PronounceRule{
		Name: "three-em", Direction: voicetypes.DirectionTTS, Pattern: `\b3M\b`, Replacement: "three em", Order: 1, Enabled: true,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	events := &fakeEventSink{}
	sink := newFakeTtsSink()
	engine := newTestEngine(t, sink, fakeSttSource{}, &fakeCapture{frameDur: 20 * time.Millisecond}, ttsReg, sttReg, events, mgr)

	resp := engine.Converse(context.Background(), voicetypes.ConverseRequest{Message: "Working at 3M today.", WaitForResponse: false})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.calls) != 1 {
		t.Fatalf("expected exactly one tts call, got %d", len(sink.calls))
	}
	if sink.calls[0].text != "Working at three em today." {
		t.Errorf("expected pronunciation-substituted text, got %q", sink.calls[0].text)
	}
}

func TestConverse_CancellationDuringRecording(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "tts1", Kind: voicetypes.KindTTS, BaseURL: "http://tts1"})
	sttReg.Register(&voicetypes.ProviderEndpoint{ID: "stt1", Kind: voicetypes.KindSTT, BaseURL: "http://stt1"})

	// Long silent recording gives the cancel a wide window to land mid-Recording.
	capture := &fakeCapture{frameDur: 20 * time.Millisecond}
	events := &fakeEventSink{}
	engine := newTestEngine(t, newFakeTtsSink(), fakeSttSource{text: "ok"}, capture, ttsReg, sttReg, events, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	respCh := make(chan *voicetypes.ConverseResponse, 1)
	go func() {
		respCh <- engine.Converse(ctx, voicetypes.ConverseRequest{Message: "hi", WaitForResponse: true, ListenDurationS: 5.0})
	}()

	var sessionID string
	deadline := time.After(time.Second)
	for sessionID == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for TOOL_REQUEST_START event")
		case <-time.After(5 * time.Millisecond):
			events.mu.Lock()
			for _, ev := range events.events {
				if ev.EventType == voicetypes.EventToolRequestStart {
					sessionID = ev.SessionID
				}
			}
			events.mu.Unlock()
		}
	}

	time.Sleep(50 * time.Millisecond)
	if err := engine.Cancel(sessionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	resp := <-respCh
	if resp.Success || resp.Error == nil || resp.Error.Kind != voicetypes.KindCancelled {
		t.Fatalf("expected cancelled failure, got %+v", resp)
	}

	sawCancel := false
	for _, et := range events.types() {
		if et == voicetypes.EventCancel {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Errorf("expected a CANCEL event")
	}
}

func TestConverse_TTSSucceedsThenSTTExhaustedPreservesTTSTiming(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "tts1", Kind: voicetypes.KindTTS, BaseURL: "http://tts1", Health: voicetypes.Health{State: voicetypes.HealthHealthy}})
	sttReg.Register(&voicetypes.ProviderEndpoint{ID: "stt1", Kind: voicetypes.KindSTT, BaseURL: "http://stt1", Health: voicetypes.Health{State: voicetypes.HealthHealthy}})

	capture := &fakeCapture{frameDur: 20 * time.Millisecond, frames: speechThenSilenceFrames()}
	events := &fakeEventSink{}
	failingSTT := fakeSttSource{failErr: fmt.Errorf("stt endpoint returned 500")}
	engine := newTestEngine(t, newFakeTtsSink(), failingSTT, capture, ttsReg, sttReg, events, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := engine.Converse(ctx, voicetypes.ConverseRequest{
		Message: "Hello, world.", WaitForResponse: true, ListenDurationS: 5.0, Transport: voicetypes.TransportLocal,
	})

	if resp.Success || resp.Error == nil || resp.Error.Kind != voicetypes.KindProviderExhausted {
		t.Fatalf("expected provider_exhausted failure, got %+v", resp)
	}
	if resp.Timing.TTFA == 0 {
		t.Errorf("expected TTS phase timing to survive a later STT failure, got zero TTFA")
	}
	if resp.ProviderUsed.TTS != "tts1" {
		t.Errorf("expected provider_used.tts=tts1 to survive the STT failure, got %q", resp.ProviderUsed.TTS)
	}
}

func TestConverse_FormatFilteringExcludesIncompatibleProvider(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{
		ID: "tts1", Kind: voicetypes.KindTTS, BaseURL: "http://tts1",
		Health:       voicetypes.Health{State: voicetypes.HealthHealthy},
		Capabilities: voicetypes.Capabilities{Formats: map[string]struct{}{"opus": {}}},
	})

	events := &fakeEventSink{}
	engine := newTestEngine(t, newFakeTtsSink(), fakeSttSource{}, &fakeCapture{frameDur: 20 * time.Millisecond}, ttsReg, sttReg, events, nil)

	resp := engine.Converse(context.Background(), voicetypes.ConverseRequest{
		Message: "Hello.", WaitForResponse: false,
	})

	if resp.Success || resp.Error == nil || resp.Error.Kind != voicetypes.KindNoMatchingProvider {
		t.Fatalf("expected no_matching_provider for the default pcm format against an opus-only endpoint, got %+v", resp)
	}
}

func TestConverse_RequestFormatOverrideReachesWireAndCodec(t *testing.T) {
	ttsReg, sttReg := newRegistries()
	ttsReg.Register(&voicetypes.ProviderEndpoint{ID: "tts1", Kind: voicetypes.KindTTS, BaseURL: "http://tts1", Health: voicetypes.Health{State: voicetypes.HealthHealthy}})

	sink := newFakeTtsSink()
	events := &fakeEventSink{}
	engine := newTestEngine(t, sink, fakeSttSource{}, &fakeCapture{frameDur: 20 * time.Millisecond}, ttsReg, sttReg, events, nil)

	resp := engine.Converse(context.Background(), voicetypes.ConverseRequest{
		Message: "Hello.", WaitForResponse: false, Format: "wav",
	})

	// The fake TTS sink returns raw PCM bytes regardless of the requested
	// format, so asking for "wav" sends that non-WAV payload into the real
	// wavCodec.Decode, which correctly rejects it for lacking a RIFF header.
	// This proves the override reached Synthesize and that the wav/opus/mp3
	// decode branch is exercised by a real caller, not just its own tests.
	if resp.Success || resp.Error == nil || resp.Error.Kind != voicetypes.KindProviderExhausted {
		t.Fatalf("expected provider_exhausted from a failed wav decode, got %+v", resp)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.calls) != 1 || sink.calls[0].format != "wav" {
		t.Errorf("expected one tts call with format override %q threaded through, got %+v", "wav", sink.calls)
	}
}

func findEndpoint(eps []voicetypes.ProviderEndpoint, id string) voicetypes.ProviderEndpoint {
	for _, ep := range eps {
		if ep.ID == id {
			return ep
		}
	}
	return voicetypes.ProviderEndpoint{}
}

func assertEventSequence(t *testing.T, got, want []voicetypes.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d events %v, got %d: %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
