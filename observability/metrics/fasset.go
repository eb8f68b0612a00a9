package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type FAssetMetrics struct {
	agentOperations *prometheus.CounterVec
	mintedAMG       prometheus.Gauge
	redemptionsDone *prometheus.CounterVec
	liquidations    *prometheus.CounterVec
	poolFlows       *prometheus.CounterVec
	pricePublishes  prometheus.Counter
}

var (
	fassetOnce     sync.Once
	fassetRegistry *FAssetMetrics
)

func FAsset() *FAssetMetrics {
	fassetOnce.Do(func() {
		fassetRegistry = &FAssetMetrics{
			agentOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fasset_agent_operations_total",
				Help: "Count of agent ledger operations by kind.",
			}, []string{"op"}),
			mintedAMG: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fasset_minted_amg",
				Help: "Total minted AMG across all agents, updated on settlement.",
			}),
			redemptionsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fasset_redemptions_settled_total",
				Help: "Count of settled redemptions by outcome.",
			}, []string{"outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fasset_liquidations_total",
				Help: "Count of liquidation transitions by kind.",
			}, []string{"kind"}),
			poolFlows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fasset_pool_flows_total",
				Help: "Count of collateral pool operations by kind.",
			}, []string{"kind"}),
			pricePublishes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fasset_price_publishes_total",
				Help: "Count of accepted canonical price publish batches.",
			}),
		}
		prometheus.MustRegister(
			fassetRegistry.agentOperations,
			fassetRegistry.mintedAMG,
			fassetRegistry.redemptionsDone,
			fassetRegistry.liquidations,
			fassetRegistry.poolFlows,
			fassetRegistry.pricePublishes,
		)
	})
	return fassetRegistry
}

func (m *FAssetMetrics) ObserveAgentOperation(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.agentOperations.WithLabelValues(op).Inc()
}

func (m *FAssetMetrics) SetMintedAMG(total uint64) {
	if m == nil {
		return
	}
	m.mintedAMG.Set(float64(total))
}

func (m *FAssetMetrics) ObserveRedemptionSettled(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.redemptionsDone.WithLabelValues(outcome).Inc()
}

func (m *FAssetMetrics) ObserveLiquidation(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.liquidations.WithLabelValues(kind).Inc()
}

func (m *FAssetMetrics) ObservePoolFlow(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.poolFlows.WithLabelValues(kind).Inc()
}

func (m *FAssetMetrics) ObservePricePublish() {
	if m == nil {
		return
	}
	m.pricePublishes.Inc()
}
