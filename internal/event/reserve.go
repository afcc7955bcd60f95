package event

import "github.com/google/uuid"

// Amounts are WAD-scaled decimal strings; indices and rates are RAY-scaled
// decimal strings. Strings keep the 256-bit range intact across JSON.

type Deposited struct {
	Supplier       uuid.UUID `json:"supplier"`
	Amount         string    `json:"amount"`
	ScaledMinted   string    `json:"scaled_minted"`
	LiquidityIndex string    `json:"liquidity_index"`
}

func (e *Deposited) EventType() EventType { return EventTypeDeposited }

type Withdrawn struct {
	Supplier       uuid.UUID `json:"supplier"`
	Amount         string    `json:"amount"`
	ScaledBurned   string    `json:"scaled_burned"`
	LiquidityIndex string    `json:"liquidity_index"`
}

func (e *Withdrawn) EventType() EventType { return EventTypeWithdrawn }

type Borrowed struct {
	Borrower     uuid.UUID `json:"borrower"`
	CollateralID string    `json:"collateral_id"`
	Amount       string    `json:"amount"`
	ScaledMinted string    `json:"scaled_minted"`
	UsageIndex   string    `json:"usage_index"`
	HealthFactor string    `json:"health_factor"`
}

func (e *Borrowed) EventType() EventType { return EventTypeBorrowed }

type Repaid struct {
	Borrower     uuid.UUID `json:"borrower"`
	Amount       string    `json:"amount"`
	ScaledBurned string    `json:"scaled_burned"`
	UsageIndex   string    `json:"usage_index"`
}

func (e *Repaid) EventType() EventType { return EventTypeRepaid }

type PrimeRateUpdated struct {
	OldRate string `json:"old_rate"`
	NewRate string `json:"new_rate"`
}

func (e *PrimeRateUpdated) EventType() EventType { return EventTypePrimeRateUpdated }

type DustSwept struct {
	Amount    string    `json:"amount"`
	Recipient uuid.UUID `json:"recipient"`
}

func (e *DustSwept) EventType() EventType { return EventTypeDustSwept }
