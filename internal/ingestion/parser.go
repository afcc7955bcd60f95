package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"ReserveLedger/internal/oracle"
)

// priceQuoteJSON is the wire format of a collateral price quote. Field names
// use snake_case to match upstream producers; prices travel as decimal
// strings to survive any integer width.
type priceQuoteJSON struct {
	CollateralID string `json:"collateral_id"`
	Price        string `json:"price"` // WAD-scaled
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

// ParsePriceQuote validates and converts a raw feed payload into an oracle
// quote.
func ParsePriceQuote(data []byte) (oracle.Quote, error) {
	var j priceQuoteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return oracle.Quote{}, fmt.Errorf("parse price quote: %w", err)
	}

	if j.CollateralID == "" {
		return oracle.Quote{}, fmt.Errorf("price quote missing collateral_id")
	}

	price, ok := new(big.Int).SetString(j.Price, 10)
	if !ok {
		return oracle.Quote{}, fmt.Errorf("parse price %q for %s", j.Price, j.CollateralID)
	}
	if price.Sign() <= 0 {
		return oracle.Quote{}, fmt.Errorf("non-positive price for %s", j.CollateralID)
	}

	return oracle.Quote{
		CollateralID: j.CollateralID,
		Price:        price,
		Sequence:     j.Sequence,
		ObservedAt:   time.UnixMicro(j.TimestampUs),
	}, nil
}
