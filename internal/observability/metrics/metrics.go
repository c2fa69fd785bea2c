package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyring_device_registrations_total",
			Help: "Total number of device key registration attempts.",
		},
		[]string{"service", "result"},
	)

	PreKeyBundlesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyring_prekey_bundles_fetched_total",
			Help: "Total number of prekey bundle fetches.",
		},
		[]string{"service", "result"},
	)

	SignedPreKeysRotatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyring_signed_prekeys_rotated_total",
			Help: "Total number of signed prekey rotations.",
		},
		[]string{"service", "result"},
	)

	DevicesRevokedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyring_devices_revoked_total",
			Help: "Total number of device revocations.",
		},
		[]string{"service", "result"},
	)

	MessagesAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_messages_accepted_total",
			Help: "Total number of accepted message envelopes.",
		},
		[]string{"service", "mode", "result"},
	)

	MessagesCiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_ciphertext_bytes",
			Help:    "Ciphertext sizes for accepted envelopes.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"service", "mode"},
	)

	ReceiptsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_receipts_applied_total",
			Help: "Total number of status transitions applied from receipts.",
		},
		[]string{"service", "kind"},
	)

	OfflineSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_offline_sync_total",
			Help: "Total number of offline catch-up fetches.",
		},
		[]string{"service", "result"},
	)

	WebsocketConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_websocket_connections_total",
			Help: "Total number of WebSocket handshake outcomes.",
		},
		[]string{"service", "outcome"},
	)

	BusEventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bus_events_delivered_total",
			Help: "Total number of fan-out events delivered to local sockets.",
		},
		[]string{"service", "channel"},
	)

	WebsocketConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_websocket_connections_active",
			Help: "Currently registered WebSocket connections.",
		},
	)
)

var registerOnce sync.Once

// MustRegister curries every vector with the service label and installs
// the set into the default registry. Guarded by a Once so test binaries
// that spin up several routers do not trip the duplicate-registration
// panic.
func MustRegister(serviceName string) {
	registerOnce.Do(func() {
		HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
		DeviceRegistrationsTotal = DeviceRegistrationsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		PreKeyBundlesFetchedTotal = PreKeyBundlesFetchedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		SignedPreKeysRotatedTotal = SignedPreKeysRotatedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		DevicesRevokedTotal = DevicesRevokedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		MessagesAcceptedTotal = MessagesAcceptedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		MessagesCiphertextBytes = MessagesCiphertextBytes.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
		ReceiptsAppliedTotal = ReceiptsAppliedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		OfflineSyncTotal = OfflineSyncTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		WebsocketConnectionsTotal = WebsocketConnectionsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
		BusEventsDeliveredTotal = BusEventsDeliveredTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDurationSeconds,
			DeviceRegistrationsTotal,
			PreKeyBundlesFetchedTotal,
			SignedPreKeysRotatedTotal,
			DevicesRevokedTotal,
			MessagesAcceptedTotal,
			MessagesCiphertextBytes,
			ReceiptsAppliedTotal,
			OfflineSyncTotal,
			WebsocketConnectionsTotal,
			BusEventsDeliveredTotal,
			WebsocketConnectionsActive,
		)
	})
}
