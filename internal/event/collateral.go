package event

import (
	"time"

	"github.com/google/uuid"
)

type CollateralPriceUpdated struct {
	CollateralID string    `json:"collateral_id"`
	Price        string    `json:"price"`
	Sequence     int64     `json:"sequence"`
	ObservedAt   time.Time `json:"observed_at"`
}

func (e *CollateralPriceUpdated) EventType() EventType { return EventTypeCollateralPriceUpdated }

type CollateralRegistered struct {
	Owner        uuid.UUID `json:"owner"`
	CollateralID string    `json:"collateral_id"`
}

func (e *CollateralRegistered) EventType() EventType { return EventTypeCollateralRegistered }

type CollateralReleased struct {
	Owner        uuid.UUID `json:"owner"`
	CollateralID string    `json:"collateral_id"`
}

func (e *CollateralReleased) EventType() EventType { return EventTypeCollateralReleased }
