// Package metrics exposes Prometheus instrumentation for the E2EE
// core: handshake activity, ratchet steps, decrypt failures, and
// prekey pool health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paracord_signal_handshakes_total",
			Help: "Total number of X3DH handshakes performed",
		},
		[]string{"role", "used_opk"}, // role: initiator, responder
	)

	RatchetStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paracord_signal_ratchet_steps_total",
			Help: "Total number of Double Ratchet chain steps, one per message encrypted or decrypted",
		},
		[]string{"direction"}, // send, receive
	)

	DecryptFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paracord_signal_decrypt_failures_total",
			Help: "Total number of authenticated decryption failures",
		},
		[]string{"stage"}, // bootstrap, bootstrap_retry, steady_state
	)

	EnvelopeVersionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paracord_signal_envelope_version_total",
			Help: "Total number of envelopes encrypted or decrypted by wire version",
		},
		[]string{"version", "direction"}, // version: v1, v2; direction: encrypt, decrypt
	)

	SkippedMessageKeysCached = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paracord_signal_skipped_message_keys_cached",
			Help:    "Number of skipped message keys cached per decrypt call",
			Buckets: prometheus.LinearBuckets(0, 16, 17), // 0..256
		},
	)

	OneTimePrekeysRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paracord_signal_one_time_prekeys_remaining",
			Help: "Number of unused one-time prekeys left in the local store",
		},
	)

	PrekeysReplenishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paracord_signal_prekeys_replenished_total",
			Help: "Total number of one-time prekey replenishment batches uploaded",
		},
	)

	SignedPrekeyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paracord_signal_signed_prekey_rotations_total",
			Help: "Total number of signed prekey rotations performed",
		},
	)

	KeysAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paracord_keysapi_requests_total",
			Help: "Total number of Keys API requests issued",
		},
		[]string{"operation", "result"}, // operation: upload, count, fetch
	)
)
