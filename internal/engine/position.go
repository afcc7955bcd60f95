package engine

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"ReserveLedger/internal/fixedpoint"
)

// PositionState tracks a borrower through the liquidation lifecycle.
type PositionState int32

const (
	PositionStateHealthy PositionState = iota
	PositionStateAtRisk
	PositionStateLiquidationPending
	PositionStateRepaid
	PositionStateLiquidated
)

func (ps PositionState) String() string {
	switch ps {
	case PositionStateHealthy:
		return "Healthy"
	case PositionStateAtRisk:
		return "AtRisk"
	case PositionStateLiquidationPending:
		return "LiquidationPending"
	case PositionStateRepaid:
		return "Repaid"
	case PositionStateLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions. Repaid and Liquidated close
// a borrow cycle; a fresh borrow starts the next one from Healthy.
func (ps PositionState) CanTransitionTo(next PositionState) bool {
	validTransitions := map[PositionState][]PositionState{
		PositionStateHealthy: {
			PositionStateAtRisk,
		},
		PositionStateAtRisk: {
			PositionStateHealthy,
			PositionStateLiquidationPending,
		},
		PositionStateLiquidationPending: {
			PositionStateRepaid,
			PositionStateLiquidated,
		},
		PositionStateRepaid: {
			PositionStateHealthy,
		},
		PositionStateLiquidated: {
			PositionStateHealthy,
		},
	}

	allowed, ok := validTransitions[ps]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if next == state {
			return true
		}
	}
	return false
}

// Position is a borrower's debt against one custodied collateral deed.
type Position struct {
	Borrower     uuid.UUID
	CollateralID string
	ScaledDebt   *big.Int
	State        PositionState
}

func (p *Position) clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{
		Borrower:     p.Borrower,
		CollateralID: p.CollateralID,
		ScaledDebt:   fixedpoint.Clone(p.ScaledDebt),
		State:        p.State,
	}
}

// LiquidationRecord is the open grace-period window for a borrower. At most
// one active record exists per borrower.
type LiquidationRecord struct {
	Borrower      uuid.UUID
	InitiatedAt   time.Time
	GraceDeadline time.Time
	Active        bool
}

// RiskParameters governs health checks and the liquidation window.
type RiskParameters struct {
	// LiquidationThresholdBps discounts collateral value in the health
	// factor, in basis points.
	LiquidationThresholdBps uint64
	// GracePeriod is the self-cure window after initiation.
	GracePeriod time.Duration
}

// DefaultRiskParameters: 80% threshold, 3 day grace window.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		LiquidationThresholdBps: 8_000,
		GracePeriod:             72 * time.Hour,
	}
}
