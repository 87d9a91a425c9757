// Package stats derives per-session timing statistics from the Event Log.
// Nothing here is stored; every summary is recomputed from replayed events.
package stats

import (
	"sort"
	"time"

	"github.com/normanking/voicemoded/internal/voicetypes"
)

// SessionTiming holds the derived durations for one session. A zero Duration
// means the pair of events needed to compute it was not both present.
type SessionTiming struct {
	SessionID     string
	TTFA          time.Duration
	TTSGeneration time.Duration
	TTSPlayback   time.Duration
	Recording     time.Duration
	STTProcessing time.Duration
}

// ThinkingWindow summarizes the gap between one session's TOOL_REQUEST_END
// and the next session's TOOL_REQUEST_START across a day's sessions.
type ThinkingWindow struct {
	Mean   time.Duration
	Min    time.Duration
	Max    time.Duration
	Median time.Duration
}

// Summary is the fully derived statistics.summary result for a day.
type Summary struct {
	Sessions     []SessionTiming
	ResponseTime []time.Duration
	Thinking     ThinkingWindow
}

// Summarize groups events by session and computes the durations defined in
// the Event Log & Statistics component: TTFA, TTS generation/playback,
// recording, STT processing, response time, and AI thinking time.
func Summarize(events []voicetypes.Event) Summary {
	bySession := make(map[string][]voicetypes.Event)
	var order []string
	for _, ev := range events {
		if _, ok := bySession[ev.SessionID]; !ok {
			order = append(order, ev.SessionID)
		}
		bySession[ev.SessionID] = append(bySession[ev.SessionID], ev)
	}

	var summary Summary
	var requestEnds []time.Time
	var recordingEnds []time.Time
	var playbackStarts []time.Time

	for _, sid := range order {
		evs := bySession[sid]
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })

		timing := SessionTiming{SessionID: sid}
		marks := map[voicetypes.EventType]time.Time{}
		for _, ev := range evs {
			if _, exists := marks[ev.EventType]; !exists {
				marks[ev.EventType] = ev.Timestamp
			}
			switch ev.EventType {
			case voicetypes.EventToolRequestEnd:
				requestEnds = append(requestEnds, ev.Timestamp)
			case voicetypes.EventRecordingEnd:
				recordingEnds = append(recordingEnds, ev.Timestamp)
			case voicetypes.EventTTSPlaybackStart:
				playbackStarts = append(playbackStarts, ev.Timestamp)
			}
		}

		if d, ok := span(marks, voicetypes.EventTTSStart, voicetypes.EventTTSFirstAudio); ok {
			timing.TTFA = d
		}
		if d, ok := span(marks, voicetypes.EventTTSStart, voicetypes.EventTTSPlaybackEnd); ok {
			timing.TTSGeneration = d
		}
		if d, ok := span(marks, voicetypes.EventTTSPlaybackStart, voicetypes.EventTTSPlaybackEnd); ok {
			timing.TTSPlayback = d
		}
		if d, ok := span(marks, voicetypes.EventRecordingStart, voicetypes.EventRecordingEnd); ok {
			timing.Recording = d
		}
		if d, ok := span(marks, voicetypes.EventSTTStart, voicetypes.EventSTTComplete); ok {
			timing.STTProcessing = d
		}
		summary.Sessions = append(summary.Sessions, timing)
	}

	summary.ResponseTime = responseTimes(recordingEnds, playbackStarts)
	summary.Thinking = thinkingWindow(requestEnds, firstRequestStarts(bySession, order))
	return summary
}

func span(marks map[voicetypes.EventType]time.Time, start, end voicetypes.EventType) (time.Duration, bool) {
	s, ok1 := marks[start]
	e, ok2 := marks[end]
	if !ok1 || !ok2 {
		return 0, false
	}
	return e.Sub(s), true
}

// responseTimes pairs each RECORDING_END with the first TTS_PLAYBACK_START
// that follows it, across sessions.
func responseTimes(recordingEnds, playbackStarts []time.Time) []time.Duration {
	sort.Slice(recordingEnds, func(i, j int) bool { return recordingEnds[i].Before(recordingEnds[j]) })
	sort.Slice(playbackStarts, func(i, j int) bool { return playbackStarts[i].Before(playbackStarts[j]) })

	var out []time.Duration
	j := 0
	for _, re := range recordingEnds {
		for j < len(playbackStarts) && playbackStarts[j].Before(re) {
			j++
		}
		if j < len(playbackStarts) {
			out = append(out, playbackStarts[j].Sub(re))
			j++
		}
	}
	return out
}

func firstRequestStarts(bySession map[string][]voicetypes.Event, order []string) []time.Time {
	var out []time.Time
	for _, sid := range order {
		for _, ev := range bySession[sid] {
			if ev.EventType == voicetypes.EventToolRequestStart {
				out = append(out, ev.Timestamp)
				break
			}
		}
	}
	return out
}

// thinkingWindow computes the gap between each TOOL_REQUEST_END and the next
// session's TOOL_REQUEST_START, reporting mean/min/max/median across the window.
func thinkingWindow(requestEnds, requestStarts []time.Time) ThinkingWindow {
	sort.Slice(requestEnds, func(i, j int) bool { return requestEnds[i].Before(requestEnds[j]) })
	sort.Slice(requestStarts, func(i, j int) bool { return requestStarts[i].Before(requestStarts[j]) })

	var gaps []time.Duration
	j := 0
	for _, end := range requestEnds {
		for j < len(requestStarts) && !requestStarts[j].After(end) {
			j++
		}
		if j < len(requestStarts) {
			gaps = append(gaps, requestStarts[j].Sub(end))
			j++
		}
	}
	if len(gaps) == 0 {
		return ThinkingWindow{}
	}

	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	var sum time.Duration
	for _, g := range gaps {
		sum += g
	}
	return ThinkingWindow{
		Mean:   sum / time.Duration(len(gaps)),
		Min:    gaps[0],
		Max:    gaps[len(gaps)-1],
		Median: gaps[len(gaps)/2],
	}
}
