package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	operations   *prometheus.CounterVec
	ordersOpen   prometheus.Gauge
	terminal     *prometheus.CounterVec
	payoutVolume *prometheus.CounterVec
	rewardMints  prometheus.Counter
	configured   *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metric set, registering it with the
// default prometheus registry on first use.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Count of order operations by operation and result.",
			}, []string{"operation", "result"}),
			ordersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_orders_open",
				Help: "Net change in non-terminal orders since process start.",
			}),
			terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_orders_terminal_total",
				Help: "Count of terminal transitions by outcome.",
			}, []string{"outcome"}),
			payoutVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_payout_volume",
				Help: "Sum of escrow amounts disbursed by outcome, in base units.",
			}, []string{"outcome"}),
			rewardMints: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_reward_mints_total",
				Help: "Number of accepted orders that minted a reward.",
			}),
			configured: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_controller_updates_total",
				Help: "Count of controller configuration changes by field.",
			}, []string{"field"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.ordersOpen,
			escrowRegistry.terminal,
			escrowRegistry.payoutVolume,
			escrowRegistry.rewardMints,
			escrowRegistry.configured,
		)
	})
	return escrowRegistry
}

// ObserveOperation counts an order or controller operation. Result is "ok" or
// a short error class.
func (m *EscrowMetrics) ObserveOperation(operation, result string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if result == "" {
		result = "ok"
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

func (m *EscrowMetrics) OrderOpened() {
	if m == nil {
		return
	}
	m.ordersOpen.Inc()
}

// ObserveTerminal records a terminal transition and the amount it disbursed.
func (m *EscrowMetrics) ObserveTerminal(outcome string, amount *big.Int) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.ordersOpen.Dec()
	m.terminal.WithLabelValues(outcome).Inc()
	if amount != nil && amount.Sign() > 0 {
		value, _ := new(big.Float).SetInt(amount).Float64()
		m.payoutVolume.WithLabelValues(outcome).Add(value)
	}
}

func (m *EscrowMetrics) ObserveRewardMint() {
	if m == nil {
		return
	}
	m.rewardMints.Inc()
}

func (m *EscrowMetrics) ObserveControllerUpdate(field string) {
	if m == nil {
		return
	}
	m.configured.WithLabelValues(field).Inc()
}
