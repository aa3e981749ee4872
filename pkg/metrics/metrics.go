package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result
	// (success|failure|locked|inactive|two_factor_required).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicore_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// AccountLockouts counts accounts placed into timed lockout.
	AccountLockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinicore_account_lockouts_total",
			Help: "Total number of account lockouts triggered by failed logins",
		},
	)

	// ActiveSessions tracks sessions that are neither expired nor revoked.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clinicore_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// TokensIssued counts signed access tokens by outcome of the flow that
	// minted them (login|refresh|two_factor).
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicore_access_tokens_issued_total",
			Help: "Total number of access tokens issued",
		},
		[]string{"flow"},
	)

	// TokensRevoked counts access tokens added to the revocation set.
	TokensRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinicore_access_tokens_revoked_total",
			Help: "Total number of access tokens revoked before expiry",
		},
	)

	// VerificationTokens counts verification token ledger operations by
	// type and outcome (issued|consumed|rejected).
	VerificationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicore_verification_tokens_total",
			Help: "Verification token ledger operations",
		},
		[]string{"type", "outcome"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinicore_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
