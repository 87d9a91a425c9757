package stats

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func median(durations []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// Metrics exposes the most recently computed Summary as Prometheus gauges,
// refreshed on demand rather than incrementally updated, since every value
// is derived from a replay of the event log.
type Metrics struct {
	ttfa        *prometheus.GaugeVec
	ttsGen      *prometheus.GaugeVec
	ttsPlay     *prometheus.GaugeVec
	recording   *prometheus.GaugeVec
	sttProc     *prometheus.GaugeVec
	responseP50 prometheus.Gauge
	thinkMean   prometheus.Gauge
	thinkMin    prometheus.Gauge
	thinkMax    prometheus.Gauge
	thinkMedian prometheus.Gauge
}

// NewMetrics registers the statistics gauges with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ttfa: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "ttfa_seconds",
			Help: "Time to first audio byte from TTS_START, by session.",
		}, []string{"session_id"}),
		ttsGen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "tts_generation_seconds",
			Help: "TTS_START to TTS_PLAYBACK_END, by session.",
		}, []string{"session_id"}),
		ttsPlay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "tts_playback_seconds",
			Help: "TTS_PLAYBACK_START to TTS_PLAYBACK_END, by session.",
		}, []string{"session_id"}),
		recording: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "recording_seconds",
			Help: "RECORDING_START to RECORDING_END, by session.",
		}, []string{"session_id"}),
		sttProc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "stt_processing_seconds",
			Help: "STT_START to STT_COMPLETE, by session.",
		}, []string{"session_id"}),
		responseP50: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "response_time_median_seconds",
			Help: "Median gap between RECORDING_END and the next TTS_PLAYBACK_START.",
		}),
		thinkMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "ai_thinking_mean_seconds",
			Help: "Mean gap between TOOL_REQUEST_END and the next TOOL_REQUEST_START.",
		}),
		thinkMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "ai_thinking_min_seconds",
		}),
		thinkMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "ai_thinking_max_seconds",
		}),
		thinkMedian: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemoded", Subsystem: "stats", Name: "ai_thinking_median_seconds",
		}),
	}
	reg.MustRegister(m.ttfa, m.ttsGen, m.ttsPlay, m.recording, m.sttProc,
		m.responseP50, m.thinkMean, m.thinkMax, m.thinkMin, m.thinkMedian)
	return m
}

// Observe refreshes every gauge from a freshly computed Summary.
func (m *Metrics) Observe(summary Summary) {
	for _, s := range summary.Sessions {
		m.ttfa.WithLabelValues(s.SessionID).Set(s.TTFA.Seconds())
		m.ttsGen.WithLabelValues(s.SessionID).Set(s.TTSGeneration.Seconds())
		m.ttsPlay.WithLabelValues(s.SessionID).Set(s.TTSPlayback.Seconds())
		m.recording.WithLabelValues(s.SessionID).Set(s.Recording.Seconds())
		m.sttProc.WithLabelValues(s.SessionID).Set(s.STTProcessing.Seconds())
	}
	if len(summary.ResponseTime) > 0 {
		m.responseP50.Set(median(summary.ResponseTime).Seconds())
	}
	m.thinkMean.Set(summary.Thinking.Mean.Seconds())
	m.thinkMin.Set(summary.Thinking.Min.Seconds())
	m.thinkMax.Set(summary.Thinking.Max.Seconds())
	m.thinkMedian.Set(summary.Thinking.Median.Seconds())
}
