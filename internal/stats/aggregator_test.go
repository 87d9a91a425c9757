package stats

import (
	"testing"
	"time"

	"github.com/normanking/voicemoded/internal/voicetypes"
)

func at(base time.Time, offsetMS int) time.Time {
	return base.Add(time.Duration(offsetMS) * time.Millisecond)
}

func TestSummarize_DerivesSessionTimings(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	events := []voicetypes.Event{
		{Timestamp: at(base, 0), SessionID: "s1", EventType: voicetypes.EventTTSStart},
		{Timestamp: at(base, 100), SessionID: "s1", EventType: voicetypes.EventTTSFirstAudio},
		{Timestamp: at(base, 150), SessionID: "s1", EventType: voicetypes.EventTTSPlaybackStart},
		{Timestamp: at(base, 600), SessionID: "s1", EventType: voicetypes.EventTTSPlaybackEnd},
		{Timestamp: at(base, 650), SessionID: "s1", EventType: voicetypes.EventRecordingStart},
		{Timestamp: at(base, 2650), SessionID: "s1", EventType: voicetypes.EventRecordingEnd},
		{Timestamp: at(base, 2700), SessionID: "s1", EventType: voicetypes.EventSTTStart},
		{Timestamp: at(base, 3200), SessionID: "s1", EventType: voicetypes.EventSTTComplete},
	}

	summary := Summarize(events)
	if len(summary.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(summary.Sessions))
	}
	s := summary.Sessions[0]
	if s.TTFA != 100*time.Millisecond {
		t.Errorf("TTFA = %v, want 100ms", s.TTFA)
	}
	if s.TTSGeneration != 600*time.Millisecond {
		t.Errorf("TTSGeneration = %v, want 600ms", s.TTSGeneration)
	}
	if s.TTSPlayback != 450*time.Millisecond {
		t.Errorf("TTSPlayback = %v, want 450ms", s.TTSPlayback)
	}
	if s.Recording != 2*time.Second {
		t.Errorf("Recording = %v, want 2s", s.Recording)
	}
	if s.STTProcessing != 500*time.Millisecond {
		t.Errorf("STTProcessing = %v, want 500ms", s.STTProcessing)
	}
}

func TestSummarize_ResponseTimeAcrossSessions(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	events := []voicetypes.Event{
		{Timestamp: at(base, 0), SessionID: "s1", EventType: voicetypes.EventRecordingEnd},
		{Timestamp: at(base, 300), SessionID: "s2", EventType: voicetypes.EventTTSPlaybackStart},
	}
	summary := Summarize(events)
	if len(summary.ResponseTime) != 1 || summary.ResponseTime[0] != 300*time.Millisecond {
		t.Errorf("ResponseTime = %v, want [300ms]", summary.ResponseTime)
	}
}

func TestSummarize_ThinkingWindowAcrossSessions(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	events := []voicetypes.Event{
		{Timestamp: at(base, 0), SessionID: "s1", EventType: voicetypes.EventToolRequestStart},
		{Timestamp: at(base, 100), SessionID: "s1", EventType: voicetypes.EventToolRequestEnd},
		{Timestamp: at(base, 1100), SessionID: "s2", EventType: voicetypes.EventToolRequestStart},
		{Timestamp: at(base, 1200), SessionID: "s2", EventType: voicetypes.EventToolRequestEnd},
		{Timestamp: at(base, 3200), SessionID: "s3", EventType: voicetypes.EventToolRequestStart},
	}
	summary := Summarize(events)
	if summary.Thinking.Mean != 1500*time.Millisecond {
		t.Errorf("Thinking.Mean = %v, want 1.5s", summary.Thinking.Mean)
	}
	if summary.Thinking.Min != time.Second || summary.Thinking.Max != 2*time.Second {
		t.Errorf("Thinking min/max = %v/%v, want 1s/2s", summary.Thinking.Min, summary.Thinking.Max)
	}
}

func TestSummarize_MissingPairYieldsZeroDuration(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	events := []voicetypes.Event{
		{Timestamp: at(base, 0), SessionID: "s1", EventType: voicetypes.EventTTSStart},
	}
	summary := Summarize(events)
	if summary.Sessions[0].TTFA != 0 {
		t.Errorf("expected zero TTFA without TTS_FIRST_AUDIO, got %v", summary.Sessions[0].TTFA)
	}
}
