/*

Package maintenance runs the periodic housekeeping of a vault daemon.

Exit queue settlement is not tied to user operations: it happens on harvest or when someone asks
for it. The maintainer asks for it on a fixed interval so exits are settled even while no harvest
arrives, and uses the same cycle to verify the ledger invariants and to report how far behind the
vault is on harvesting and on executing queued transfers.

*/

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/lsv/internal/logger"
	"github.com/elys-network/lsv/internal/metrics"
	"github.com/elys-network/lsv/internal/types"
)

// Vault is the part of the vault the maintainer drives.
type Vault interface {
	Address() common.Address
	SettleExitQueue(ctx context.Context) (bool, error)
	CheckInvariants() error
}

// HarvestStatus reports whether a vault is behind on rewards.
type HarvestStatus interface {
	IsHarvestRequired(vault common.Address) bool
	CanUpdateRewards() bool
}

// TransferQueue lists transfers the executor has not picked up yet.
type TransferQueue interface {
	Pending(ctx context.Context) ([]types.AssetTransfer, error)
}

// Config holds the dependencies of a Maintainer.
type Config struct {
	Vault     Vault
	Keeper    HarvestStatus
	Transfers TransferQueue // optional
}

// CycleReport summarizes one maintenance cycle.
type CycleReport struct {
	ID               string
	Started          time.Time
	Settled          bool
	HarvestRequired  bool
	RewardsUpdatable bool
	PendingTransfers int
	Errors           []error
}

type Maintainer struct {
	logger    zerolog.Logger
	vault     Vault
	keeper    HarvestStatus
	transfers TransferQueue

	cycleCount int
}

// New creates a maintainer.
func New(cfg Config) (*Maintainer, error) {
	if cfg.Vault == nil {
		return nil, fmt.Errorf("vault cannot be nil")
	}
	if cfg.Keeper == nil {
		return nil, fmt.Errorf("keeper cannot be nil")
	}
	return &Maintainer{
		logger:    logger.GetForComponent("maintenance").With().Str("vault", cfg.Vault.Address().Hex()).Logger(),
		vault:     cfg.Vault,
		keeper:    cfg.Keeper,
		transfers: cfg.Transfers,
	}, nil
}

// RunLoop runs a cycle immediately and then every interval until ctx is cancelled.
func (m *Maintainer) RunLoop(ctx context.Context, interval time.Duration) {
	m.logger.Info().
		Dur("interval", interval).
		Msg("Starting maintenance loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Maintenance loop stopped due to context cancellation")
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle performs one maintenance pass. Failures of one step are reported and do not stop the
// others.
func (m *Maintainer) RunCycle(ctx context.Context) CycleReport {
	m.cycleCount++
	report := CycleReport{ID: uuid.New().String(), Started: time.Now()}
	cycleLogger := m.logger.With().Str("cycle_id", report.ID).Int("cycle", m.cycleCount).Logger()
	cycleLogger.Debug().Msg("Maintenance cycle started")

	if err := m.vault.CheckInvariants(); err != nil {
		cycleLogger.Error().Err(err).Msg("Vault invariant violated")
		report.Errors = append(report.Errors, err)
	}

	report.HarvestRequired = m.keeper.IsHarvestRequired(m.vault.Address())
	report.RewardsUpdatable = m.keeper.CanUpdateRewards()
	if report.HarvestRequired {
		cycleLogger.Warn().Msg("Vault must be harvested before deposits and redemptions resume")
	}

	settled, err := m.vault.SettleExitQueue(ctx)
	switch {
	case errors.Is(err, types.ErrNotHarvested):
		cycleLogger.Debug().Msg("Exit queue settlement deferred until the vault is harvested")
	case err != nil:
		cycleLogger.Error().Err(err).Msg("Exit queue settlement failed")
		report.Errors = append(report.Errors, err)
	}
	report.Settled = settled

	if m.transfers != nil {
		pending, err := m.transfers.Pending(ctx)
		if err != nil {
			cycleLogger.Error().Err(err).Msg("Failed to list pending transfers")
			report.Errors = append(report.Errors, err)
		}
		report.PendingTransfers = len(pending)
		metrics.PendingTransfers.Set(float64(report.PendingTransfers))
	}

	metrics.MaintenanceCycleDuration.Observe(time.Since(report.Started).Seconds())
	if len(report.Errors) > 0 {
		metrics.MaintenanceCycles.WithLabelValues("error").Inc()
	} else {
		metrics.MaintenanceCycles.WithLabelValues("ok").Inc()
	}

	cycleLogger.Info().
		Bool("settled", report.Settled).
		Bool("harvestRequired", report.HarvestRequired).
		Bool("rewardsUpdatable", report.RewardsUpdatable).
		Int("pendingTransfers", report.PendingTransfers).
		Int("errors", len(report.Errors)).
		Dur("duration", time.Since(report.Started)).
		Msg("Maintenance cycle completed")
	return report
}
