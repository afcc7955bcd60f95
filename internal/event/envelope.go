package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposited
	EventTypeWithdrawn
	EventTypeBorrowed
	EventTypeRepaid
	EventTypePrimeRateUpdated
	EventTypeLiquidationStarted
	EventTypeLiquidationClosed
	EventTypeLiquidationFinalized
	EventTypeDustSwept
	EventTypeCollateralPriceUpdated
	EventTypeCollateralRegistered
	EventTypeCollateralReleased
)

// Envelope wraps every committed event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64 `json:"sequence"`

	// Unique event id, doubles as the idempotency key for the log writer
	EventID uuid.UUID `json:"event_id"`

	// Event type discriminator
	EventType EventType `json:"event_type"`

	// Identity that invoked the operation (zero for system events)
	Caller uuid.UUID `json:"caller"`

	// Operation timestamp carried by the mutation, not wall clock
	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`
}

// Event is the interface all event payloads implement.
type Event interface {
	EventType() EventType
}

// Wrap assigns an envelope around a payload. Marshal failures are
// programming errors in a payload struct, surfaced to the caller.
func Wrap(sequence int64, caller uuid.UUID, ts time.Time, ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Sequence:  sequence,
		EventID:   uuid.New(),
		EventType: ev.EventType(),
		Caller:    caller,
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

// ParseEventType inverts String. Unrecognized names map to Unknown,
// which replay skips.
func ParseEventType(s string) EventType {
	switch s {
	case "Deposited":
		return EventTypeDeposited
	case "Withdrawn":
		return EventTypeWithdrawn
	case "Borrowed":
		return EventTypeBorrowed
	case "Repaid":
		return EventTypeRepaid
	case "PrimeRateUpdated":
		return EventTypePrimeRateUpdated
	case "LiquidationStarted":
		return EventTypeLiquidationStarted
	case "LiquidationClosed":
		return EventTypeLiquidationClosed
	case "LiquidationFinalized":
		return EventTypeLiquidationFinalized
	case "DustSwept":
		return EventTypeDustSwept
	case "CollateralPriceUpdated":
		return EventTypeCollateralPriceUpdated
	case "CollateralRegistered":
		return EventTypeCollateralRegistered
	case "CollateralReleased":
		return EventTypeCollateralReleased
	default:
		return EventTypeUnknown
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeBorrowed:
		return "Borrowed"
	case EventTypeRepaid:
		return "Repaid"
	case EventTypePrimeRateUpdated:
		return "PrimeRateUpdated"
	case EventTypeLiquidationStarted:
		return "LiquidationStarted"
	case EventTypeLiquidationClosed:
		return "LiquidationClosed"
	case EventTypeLiquidationFinalized:
		return "LiquidationFinalized"
	case EventTypeDustSwept:
		return "DustSwept"
	case EventTypeCollateralPriceUpdated:
		return "CollateralPriceUpdated"
	case EventTypeCollateralRegistered:
		return "CollateralRegistered"
	case EventTypeCollateralReleased:
		return "CollateralReleased"
	default:
		return "Unknown"
	}
}
