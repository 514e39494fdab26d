package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Collectors are created eagerly so packages can record before (or without)
// registration, e.g. in tests.
var (
	ChallengesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verifybot_challenges_issued_total",
		Help: "Total number of verification codes issued.",
	})
	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verifybot_submissions_total",
		Help: "Total number of proof submissions by outcome.",
	}, []string{"outcome"})
	ProofFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verifybot_proof_failures_total",
		Help: "Total number of failed proof checks by reason.",
	}, []string{"reason"})
	RolesGrantedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verifybot_roles_granted_total",
		Help: "Total number of verified roles applied across guilds.",
	})
	PlatformLoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verifybot_platform_logins_total",
		Help: "Total number of Instagram operator logins by result.",
	}, []string{"result"})
)

// InitCustomMetrics registers the custom Prometheus metrics.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"ChallengesIssuedTotal": ChallengesIssuedTotal,
		"SubmissionsTotal":      SubmissionsTotal,
		"ProofFailuresTotal":    ProofFailuresTotal,
		"RolesGrantedTotal":     RolesGrantedTotal,
		"PlatformLoginsTotal":   PlatformLoginsTotal,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
