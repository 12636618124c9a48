package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// RTP metrics
	RTPPacketsReceived *prometheus.CounterVec
	RTPPacketsDropped  *prometheus.CounterVec
	RTPPacketsSent     *prometheus.CounterVec
	RTPBytesReceived   *prometheus.CounterVec

	// Call metrics
	ActiveCalls  prometheus.Gauge
	CallsStarted prometheus.Counter
	CallsEnded   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	// Segmenter metrics
	UtterancesFlushed *prometheus.CounterVec
	UtterancesDropped *prometheus.CounterVec
	BargeIns          prometheus.Counter

	// ASR metrics
	ASRResults      *prometheus.CounterVec
	ASRReconnects   *prometheus.CounterVec
	ASRKeepalives   prometheus.Counter
	ASRStreamErrors *prometheus.CounterVec

	// TTS metrics
	TTSRequests     *prometheus.CounterVec
	TTSLatency      prometheus.Histogram
	PlaybackFrames  prometheus.Counter
	PlaybackEvicted prometheus.Counter
	PlaybackCleared prometheus.Counter

	// Dialogue metrics
	FlowTransitions *prometheus.CounterVec
	Handoffs        *prometheus.CounterVec
	TimeoutTurns    prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		RTPPacketsReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_rtp_packets_received_total",
				Help: "Total number of RTP packets received",
			},
			[]string{"call_id"},
		)

		RTPPacketsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_rtp_packets_dropped_total",
				Help: "Total number of RTP packets dropped",
			},
			[]string{"call_id", "reason"},
		)

		RTPPacketsSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_rtp_packets_sent_total",
				Help: "Total number of outbound RTP packets sent",
			},
			[]string{"call_id"},
		)

		RTPBytesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_rtp_bytes_received_total",
				Help: "Total number of RTP payload bytes received",
			},
			[]string{"call_id"},
		)

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicegate_active_calls",
				Help: "Number of calls currently active",
			},
		)

		CallsStarted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_calls_started_total",
				Help: "Total number of calls started",
			},
		)

		CallsEnded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_calls_ended_total",
				Help: "Total number of calls ended",
			},
			[]string{"reason"},
		)

		CallDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicegate_call_duration_seconds",
				Help:    "Distribution of call durations",
				Buckets: prometheus.ExponentialBuckets(5, 2, 10),
			},
		)

		UtterancesFlushed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_utterances_flushed_total",
				Help: "Total number of utterances flushed to ASR",
			},
			[]string{"reason"},
		)

		UtterancesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_utterances_dropped_total",
				Help: "Total number of segments dropped by the noise gates",
			},
			[]string{"reason"},
		)

		BargeIns = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_barge_ins_total",
				Help: "Total number of barge-in interruptions",
			},
		)

		ASRResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_asr_results_total",
				Help: "Total number of ASR results received",
			},
			[]string{"provider", "kind"},
		)

		ASRReconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_asr_reconnects_total",
				Help: "Total number of ASR stream reconnect attempts",
			},
			[]string{"provider"},
		)

		ASRKeepalives = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_asr_keepalive_frames_total",
				Help: "Total number of empty keepalive frames sent upstream",
			},
		)

		ASRStreamErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_asr_stream_errors_total",
				Help: "Total number of ASR stream transport errors",
			},
			[]string{"provider"},
		)

		TTSRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_tts_requests_total",
				Help: "Total number of synthesis requests",
			},
			[]string{"status"},
		)

		TTSLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicegate_tts_latency_seconds",
				Help:    "Latency of synthesis requests",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		)

		PlaybackFrames = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_playback_frames_total",
				Help: "Total number of frames enqueued for playback",
			},
		)

		PlaybackEvicted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_playback_frames_evicted_total",
				Help: "Total number of frames evicted from full playback queues",
			},
		)

		PlaybackCleared = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_playback_queue_cleared_total",
				Help: "Total number of playback queue clears (barge-in or hangup)",
			},
		)

		FlowTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_flow_transitions_total",
				Help: "Total number of dialogue phase transitions",
			},
			[]string{"from", "to"},
		)

		Handoffs = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicegate_handoffs_total",
				Help: "Total number of handoff resolutions",
			},
			[]string{"result"},
		)

		TimeoutTurns = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicegate_timeout_turns_total",
				Help: "Total number of NOT_HEARD timeout turns driven by the activity monitor",
			},
		)

		registry.MustRegister(
			RTPPacketsReceived, RTPPacketsDropped, RTPPacketsSent, RTPBytesReceived,
			ActiveCalls, CallsStarted, CallsEnded, CallDuration,
			UtterancesFlushed, UtterancesDropped, BargeIns,
			ASRResults, ASRReconnects, ASRKeepalives, ASRStreamErrors,
			TTSRequests, TTSLatency, PlaybackFrames, PlaybackEvicted, PlaybackCleared,
			FlowTransitions, Handoffs, TimeoutTurns,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the metrics registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics toggles metric collection (used by tests)
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// Enabled reports whether metric collection is active
func Enabled() bool {
	return metricsEnabled && registry != nil
}

// RegisterHandler mounts the metrics endpoint on the given mux
func RegisterHandler(mux *http.ServeMux) {
	if registry == nil {
		return
	}
	mux.Handle(defaultMetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
