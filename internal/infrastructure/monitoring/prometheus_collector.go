package monitoring

import (
	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records broadcaster, signaling and event bus metrics.
// It satisfies ports.MetricsRecorder and the signaling hub's metrics hook.
type PrometheusCollector struct {
	// Session
	sessionLive       prometheus.Gauge
	viewersConnected  prometheus.Gauge
	viewerJoinsTotal  prometheus.Counter
	transportErrors   prometheus.Counter
	reconnectAttempts prometheus.Counter
	qualityChanges    *prometheus.CounterVec

	// Recording
	recordingUploads     *prometheus.CounterVec
	recordingUploadBytes prometheus.Counter
	recordingUploadTime  prometheus.Histogram

	// Signaling
	signalConnections prometheus.Gauge
	signalRooms       prometheus.Gauge
	signalMessages    *prometheus.CounterVec
	signalRejected    *prometheus.CounterVec

	sessionEvents *prometheus.CounterVec
}

// NewPrometheusCollector registers every metric with reg. A nil reg uses the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcast_session_live",
			Help: "1 while the broadcast session is live",
		}),

		viewersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcast_viewers_connected",
			Help: "Number of viewers with an established transport",
		}),

		viewerJoinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcast_viewer_joins_total",
			Help: "Total number of viewer join requests",
		}),

		transportErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcast_transport_errors_total",
			Help: "Total number of viewer transport failures",
		}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcast_signal_reconnect_attempts_total",
			Help: "Total number of signaling reconnect attempts",
		}),

		qualityChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_quality_changes_total",
			Help: "Total number of quality tier changes",
		}, []string{"tier"}),

		recordingUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_recording_uploads_total",
			Help: "Total number of recording uploads by result",
		}, []string{"result"}),

		recordingUploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcast_recording_upload_bytes_total",
			Help: "Total bytes of uploaded recordings",
		}),

		recordingUploadTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcast_recording_upload_duration_seconds",
			Help:    "Duration of recording uploads",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),

		signalConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcast_signal_connections",
			Help: "Number of open signaling connections",
		}),

		signalRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcast_signal_rooms",
			Help: "Number of sessions with a signaling room",
		}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_signal_messages_total",
			Help: "Total number of signaling messages received by type",
		}, []string{"type"}),

		signalRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_signal_rejected_total",
			Help: "Total number of rejected signaling connections or messages",
		}, []string{"reason"}),

		sessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_session_events_total",
			Help: "Total number of session events received from other instances",
		}, []string{"type"}),
	}
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) SetSessionLive(live bool) {
	if live {
		p.sessionLive.Set(1)
		return
	}
	p.sessionLive.Set(0)
	p.viewersConnected.Set(0)
}

func (p *PrometheusCollector) SetViewers(n int) {
	p.viewersConnected.Set(float64(n))
}

func (p *PrometheusCollector) IncViewerJoins() {
	p.viewerJoinsTotal.Inc()
}

func (p *PrometheusCollector) IncTransportErrors() {
	p.transportErrors.Inc()
}

func (p *PrometheusCollector) IncReconnectAttempts() {
	p.reconnectAttempts.Inc()
}

func (p *PrometheusCollector) IncQualityChanges(tier string) {
	p.qualityChanges.WithLabelValues(tier).Inc()
}

func (p *PrometheusCollector) ObserveRecordingUpload(success bool, bytes int, seconds float64) {
	result := "failure"
	if success {
		result = "success"
		p.recordingUploadBytes.Add(float64(bytes))
	}
	p.recordingUploads.WithLabelValues(result).Inc()
	p.recordingUploadTime.Observe(seconds)
}

func (p *PrometheusCollector) SetConnections(n int) {
	p.signalConnections.Set(float64(n))
}

func (p *PrometheusCollector) SetRooms(n int) {
	p.signalRooms.Set(float64(n))
}

func (p *PrometheusCollector) IncMessages(t domain.SignalType) {
	p.signalMessages.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) IncRejected(reason string) {
	p.signalRejected.WithLabelValues(reason).Inc()
}

// RecordSessionEvent counts an event delivered by the event bus.
func (p *PrometheusCollector) RecordSessionEvent(event domain.SessionEvent) {
	p.sessionEvents.WithLabelValues(string(event.Type)).Inc()
}
