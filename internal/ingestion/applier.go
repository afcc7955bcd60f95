package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ReserveLedger/internal/observability"
	"ReserveLedger/internal/oracle"
)

// PriceApplier drains raw feed messages, parses them and applies the quotes
// to the oracle store. Messages that fail to parse are ACKed and counted;
// redelivery cannot fix a malformed payload.
type PriceApplier struct {
	store   *oracle.Store
	rawChan <-chan RawMessage
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPriceApplier(store *oracle.Store, rawChan <-chan RawMessage, metrics *observability.Metrics, log zerolog.Logger) *PriceApplier {
	return &PriceApplier{
		store:   store,
		rawChan: rawChan,
		metrics: metrics,
		log:     log,
	}
}

// Run blocks until ctx is cancelled or the channel closes.
func (pa *PriceApplier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-pa.rawChan:
			if !ok {
				return nil
			}
			pa.apply(raw)
		}
	}
}

func (pa *PriceApplier) apply(raw RawMessage) {
	quote, err := ParsePriceQuote(raw.Data)
	if err != nil {
		pa.log.Warn().Err(err).Str("subject", raw.Subject).Msg("bad price payload")
		if pa.metrics != nil {
			pa.metrics.PricesDropped.WithLabelValues("parse").Inc()
		}
		raw.AckFunc()
		return
	}

	if !pa.store.Update(quote) {
		if pa.metrics != nil {
			pa.metrics.PricesDropped.WithLabelValues("sequence").Inc()
		}
		raw.AckFunc()
		return
	}

	if pa.metrics != nil {
		pa.metrics.PricesApplied.Inc()
		pa.metrics.IngestLatency.WithLabelValues(raw.Subject).Observe(time.Since(raw.ReceivedAt).Seconds())
	}
	raw.AckFunc()
}
