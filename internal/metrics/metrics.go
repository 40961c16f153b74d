/*

Prometheus collectors for the vault and the keeper.

Collectors are registered on the default registry at package init and served by the web server
on /metrics. Gauges are refreshed by the vault after every committed state change.

*/

package metrics

import (
	"errors"
	"math/big"
	"strings"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lsv"

var (
	// VaultOperations counts vault operations by name and outcome ("ok" or the error class).
	VaultOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vault",
		Name:      "operations_total",
		Help:      "Vault operations by operation and result.",
	}, []string{"operation", "result"})

	CheckpointsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exit_queue",
		Name:      "checkpoints_total",
		Help:      "Exit queue checkpoints appended.",
	})

	VaultTotals = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "vault",
		Name:      "totals",
		Help:      "Vault aggregates (total_shares, total_assets, queued_shares, unclaimed_assets, liquidity).",
	}, []string{"vault", "aggregate"})

	RewardsUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "keeper",
		Name:      "rewards_updates_total",
		Help:      "Rewards root update attempts by result.",
	}, []string{"result"})

	Harvests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "keeper",
		Name:      "harvests_total",
		Help:      "Vault harvest attempts by result.",
	}, []string{"result"})

	RewardsNonce = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "keeper",
		Name:      "rewards_nonce",
		Help:      "Current rewards root nonce.",
	})

	MaintenanceCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "maintenance",
		Name:      "cycles_total",
		Help:      "Maintenance cycles by result.",
	}, []string{"result"})

	MaintenanceCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "maintenance",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a maintenance cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	PendingTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "pending_transfers",
		Help:      "Asset transfers waiting for execution.",
	})
)

// Result maps an error to a low-cardinality label: "ok", the registered error name
// (e.g. "access_denied") or "error".
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	var registered *errorsmod.Error
	if errors.As(err, &registered) {
		return strings.ReplaceAll(registered.Error(), " ", "_")
	}
	return "error"
}

// SetVaultTotal records an aggregate as a float. Precision loss is acceptable for dashboards.
func SetVaultTotal(vault, aggregate string, value math.Int) {
	f, _ := new(big.Float).SetInt(value.BigInt()).Float64()
	VaultTotals.WithLabelValues(vault, aggregate).Set(f)
}
