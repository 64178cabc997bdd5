package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Control channel metrics
	ConnectionsAccepted    prometheus.Counter
	ActiveConnections      prometheus.Gauge
	RegistrationsRejected  prometheus.Counter
	DuplicateRegistrations prometheus.Counter
	Participants           prometheus.Gauge
	FramesReceived         *prometheus.CounterVec
	FramingErrors          prometheus.Counter
	DispatchErrors         prometheus.Counter
	MessagesSent           *prometheus.CounterVec
	DeliveryFailures       *prometheus.CounterVec

	// Session metrics
	ChatMessages     prometheus.Counter
	PresenterChanges prometheus.Counter
	FilesUploaded    prometheus.Counter
	FileBytesStored  prometheus.Gauge
	FileDownloads    *prometheus.CounterVec

	// Media relay metrics
	DatagramsReceived *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	DatagramsRelayed  prometheus.Counter
	RelaySendErrors   prometheus.Counter
	DatagramSize      prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on reg. A nil reg gets a fresh registry so
// several relays (as in tests) never collide on registration.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Control channel metrics
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_connections_accepted_total",
			Help: "Total number of control connections accepted",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanrelay_active_connections",
			Help: "Current number of open control connections",
		}),
		RegistrationsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_registrations_rejected_total",
			Help: "Total number of connections closed because registration failed",
		}),
		DuplicateRegistrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_duplicate_registrations_total",
			Help: "Total number of registrations that replaced an existing identity",
		}),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanrelay_participants",
			Help: "Current number of registered participants",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanrelay_frames_received_total",
			Help: "Total number of decoded control frames by message type",
		}, []string{"type"}),
		FramingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_framing_errors_total",
			Help: "Total number of connections dropped for an invalid frame",
		}),
		DispatchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_dispatch_errors_total",
			Help: "Total number of ignored frames that failed to decode",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanrelay_messages_sent_total",
			Help: "Total number of control messages delivered by message type",
		}, []string{"type"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanrelay_delivery_failures_total",
			Help: "Total number of control messages that could not be delivered",
		}, []string{"type"}),

		// Session metrics
		ChatMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_chat_messages_total",
			Help: "Total number of chat messages accepted",
		}),
		PresenterChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_presenter_changes_total",
			Help: "Total number of presenter slot transitions",
		}),
		FilesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_files_uploaded_total",
			Help: "Total number of file uploads stored",
		}),
		FileBytesStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanrelay_file_bytes_stored",
			Help: "Total size of stored file content in bytes",
		}),
		FileDownloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanrelay_file_downloads_total",
			Help: "Total number of file download requests by result",
		}, []string{"result"}),

		// Media relay metrics
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanrelay_datagrams_received_total",
			Help: "Total number of media datagrams received by kind",
		}, []string{"kind"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanrelay_datagrams_dropped_total",
			Help: "Total number of media datagrams dropped by reason",
		}, []string{"reason"}),
		DatagramsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_datagrams_relayed_total",
			Help: "Total number of datagram copies sent to participants",
		}),
		RelaySendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanrelay_relay_send_errors_total",
			Help: "Total number of datagram copies that failed to send",
		}),
		DatagramSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanrelay_datagram_size_bytes",
			Help:    "Size of received media datagrams in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 11), // 64B to 64KB
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lanrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanrelay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConnectionOpened counts an accepted control connection
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed decrements the open connection gauge
func (m *Metrics) RecordConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordRegistrationRejected counts a failed registration
func (m *Metrics) RecordRegistrationRejected() {
	m.RegistrationsRejected.Inc()
}

// RecordDuplicateRegistration counts a registration that replaced another
func (m *Metrics) RecordDuplicateRegistration() {
	m.DuplicateRegistrations.Inc()
}

// SetParticipants sets the current number of registered participants
func (m *Metrics) SetParticipants(count int) {
	m.Participants.Set(float64(count))
}

// RecordFrameReceived counts a decoded control frame
func (m *Metrics) RecordFrameReceived(messageType string) {
	m.FramesReceived.WithLabelValues(messageType).Inc()
}

// RecordFramingError counts a connection dropped for an invalid frame
func (m *Metrics) RecordFramingError() {
	m.FramingErrors.Inc()
}

// RecordDispatchError counts an ignored undecodable frame
func (m *Metrics) RecordDispatchError() {
	m.DispatchErrors.Inc()
}

// RecordMessageSent counts a delivered control message
func (m *Metrics) RecordMessageSent(messageType string) {
	m.MessagesSent.WithLabelValues(messageType).Inc()
}

// RecordDeliveryFailure counts a control message that could not be written
func (m *Metrics) RecordDeliveryFailure(messageType string) {
	m.DeliveryFailures.WithLabelValues(messageType).Inc()
}

// RecordChatMessage counts an accepted chat message
func (m *Metrics) RecordChatMessage() {
	m.ChatMessages.Inc()
}

// RecordPresenterChange counts a presenter slot transition
func (m *Metrics) RecordPresenterChange() {
	m.PresenterChanges.Inc()
}

// RecordFileUploaded counts a stored upload and updates the stored byte total
func (m *Metrics) RecordFileUploaded(totalBytes int64) {
	m.FilesUploaded.Inc()
	m.FileBytesStored.Set(float64(totalBytes))
}

// RecordFileDownload counts a download request, found or not
func (m *Metrics) RecordFileDownload(found bool) {
	result := "not_found"
	if found {
		result = "served"
	}
	m.FileDownloads.WithLabelValues(result).Inc()
}

// RecordDatagramReceived counts a received media datagram
func (m *Metrics) RecordDatagramReceived(kind string, sizeBytes int) {
	m.DatagramsReceived.WithLabelValues(kind).Inc()
	m.DatagramSize.Observe(float64(sizeBytes))
}

// RecordDatagramDropped counts a dropped media datagram
func (m *Metrics) RecordDatagramDropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordDatagramRelayed counts datagram copies sent and failed
func (m *Metrics) RecordDatagramRelayed(sent, failed int) {
	m.DatagramsRelayed.Add(float64(sent))
	m.RelaySendErrors.Add(float64(failed))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
