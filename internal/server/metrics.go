package server

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	buysTotal          *prometheus.CounterVec
	creditsTotal       *prometheus.CounterVec
	confirmationsTotal *prometheus.CounterVec
	tokensSold         *prometheus.GaugeVec
}

func newMetricsRegistry() *metricsRegistry {
	buys := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensale_buys_total",
		Help: "Total number of buy requests",
	}, []string{"status"})

	credits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensale_credits_total",
		Help: "Total number of off-chain payment credits",
	}, []string{"status"})

	confirmations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokensale_governance_confirmations_total",
		Help: "Owner confirmations of governed operations",
	}, []string{"operation", "result"})

	sold := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokensale_tokens_sold",
		Help: "Whole tokens sold per sale instance",
	}, []string{"sale"})

	r := prometheus.NewRegistry()
	r.MustRegister(buys, credits, confirmations, sold)

	return &metricsRegistry{
		registry:           r,
		buysTotal:          buys,
		creditsTotal:       credits,
		confirmationsTotal: confirmations,
		tokensSold:         sold,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incBuy(status string) {
	m.buysTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incCredit(status string) {
	m.creditsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incConfirmation(operation string, executed bool, err error) {
	result := "pending"
	switch {
	case err != nil:
		result = "failed"
	case executed:
		result = "executed"
	}
	m.confirmationsTotal.WithLabelValues(operation, result).Inc()
}

// setTokensSold records units as whole tokens.
func (m *metricsRegistry) setTokensSold(sale string, units *big.Int) {
	whole, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1e18)).Float64()
	m.tokensSold.WithLabelValues(sale).Set(whole)
}
