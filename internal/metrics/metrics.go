// Package metrics exposes Prometheus counters for the approval engine.
// Labels carry only bounded values; no instance, request or user ids.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expense_approvals_initiations_total",
		Help: "Approval instances initiated, by outcome (pending, auto_approved, error).",
	}, []string{"outcome"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expense_approvals_actions_total",
		Help: "Approver actions processed, by action and outcome (error code or ok).",
	}, []string{"action", "outcome"})

	finalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expense_approvals_finalizations_total",
		Help: "Instances that reached a terminal status, by status.",
	}, []string{"status"})

	levelSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expense_approvals_level_skips_total",
		Help: "Levels skipped during routing, by reason.",
	}, []string{"reason"})

	resolverFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expense_approvals_resolver_role_fallbacks_total",
		Help: "Levels whose user ids resolved to no active user and were retried as roles.",
	})

	sideEffectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expense_approvals_side_effect_failures_total",
		Help: "Failed gateway side effects, by effect.",
	}, []string{"effect"})
)

func IncInitiation(outcome string)    { initiationsTotal.WithLabelValues(outcome).Inc() }
func IncAction(action, outcome string) { actionsTotal.WithLabelValues(action, outcome).Inc() }
func IncFinalization(status string)   { finalizationsTotal.WithLabelValues(status).Inc() }
func IncLevelSkip(reason string)      { levelSkipsTotal.WithLabelValues(reason).Inc() }
func IncResolverFallback()            { resolverFallbacksTotal.Inc() }
func IncSideEffectFailure(effect string) {
	sideEffectFailuresTotal.WithLabelValues(effect).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
