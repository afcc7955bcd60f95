package event

import (
	"time"

	"github.com/google/uuid"
)

type LiquidationStarted struct {
	Borrower      uuid.UUID `json:"borrower"`
	Initiator     uuid.UUID `json:"initiator"`
	DebtFace      string    `json:"debt_face"`
	HealthFactor  string    `json:"health_factor"`
	GraceDeadline time.Time `json:"grace_deadline"`
}

func (e *LiquidationStarted) EventType() EventType { return EventTypeLiquidationStarted }

// LiquidationClosed records a borrower curing their position inside the
// grace window by repaying in full.
type LiquidationClosed struct {
	Borrower uuid.UUID `json:"borrower"`
	Repaid   string    `json:"repaid"`
}

func (e *LiquidationClosed) EventType() EventType { return EventTypeLiquidationClosed }

type LiquidationFinalized struct {
	Borrower     uuid.UUID `json:"borrower"`
	Backstop     uuid.UUID `json:"backstop"`
	DebtCovered  string    `json:"debt_covered"`
	CollateralID string    `json:"collateral_id"`
}

func (e *LiquidationFinalized) EventType() EventType { return EventTypeLiquidationFinalized }
