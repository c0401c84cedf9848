// Package metrics registers the Prometheus collectors shared by the
// services. Exposition happens on each service's health mux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KeysGenerated counts key pairs created by the Key Server.
	KeysGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_keys_generated_total",
		Help: "Key pairs generated by the Key Server",
	})

	// EnvelopeRejections counts auth envelope verification failures by kind.
	EnvelopeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_envelope_rejections_total",
		Help: "Auth envelope verification failures",
	}, []string{"kind"})

	// KsRequests counts Key Server requests by verb and outcome.
	KsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_ks_requests_total",
		Help: "Key Server requests by verb and outcome",
	}, []string{"verb", "outcome"})

	// CredentialsIssued counts successful allocate calls.
	CredentialsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_credentials_issued_total",
		Help: "Credentials issued by the identity service",
	})

	// AllocateFailures counts failed allocate calls by failure code.
	AllocateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_allocate_failures_total",
		Help: "Failed allocate calls by code",
	}, []string{"code"})

	// KeyCacheRefreshes counts public-key cache refresh attempts.
	KeyCacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_key_cache_refreshes_total",
		Help: "Public-key cache refresh attempts",
	}, []string{"outcome"})

	// TurnAuth counts TURN authentication attempts by result.
	TurnAuth = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_turn_auth_total",
		Help: "TURN authentication attempts by result",
	}, []string{"result"})

	// TurnCache counts TURN auth-key cache lookups.
	TurnCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_turn_cache_total",
		Help: "TURN auth-key cache lookups",
	}, []string{"result"})
)
