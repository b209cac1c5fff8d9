package pricing

import (
	"log/slog"
	"math"
	"sync"

	"github.com/example/rider-core/internal/models"
)

// Emitter is the slice of the realtime channel the oracle needs.
type Emitter interface {
	Emit(event string, payload any) error
}

// Oracle holds the server-pushed per-km rate table and turns distances into
// quotes. A quote is deliberately nil until a real rate has arrived: a
// zero-rate quote would let a user book a free ride, so the booking guard
// keys off nil here.
type Oracle struct {
	mu       sync.RWMutex
	table    models.PriceTable
	received bool
	onUpdate []func()
	logger   *slog.Logger
}

func NewOracle(logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{logger: logger}
}

// RequestCurrentRates asks dispatch for the current table. Called at startup
// and after every reconnect; the response lands in SetRates.
func (o *Oracle) RequestCurrentRates(ch Emitter) {
	if err := ch.Emit("getCurrentPrices", struct{}{}); err != nil {
		o.logger.Warn("price request failed, waiting for push", "error", err)
	}
}

// SetRates replaces the table wholesale and notifies subscribers so pending
// quotes get recomputed.
func (o *Oracle) SetRates(t models.PriceTable) {
	o.mu.Lock()
	o.table = t
	o.received = true
	subs := make([]func(), len(o.onUpdate))
	copy(subs, o.onUpdate)
	o.mu.Unlock()

	o.logger.Info("price table updated", "bike", t.Bike, "taxi", t.Taxi, "porter", t.Porter)
	for _, fn := range subs {
		fn()
	}
}

// OnUpdate registers a callback invoked after every table replacement.
func (o *Oracle) OnUpdate(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onUpdate = append(o.onUpdate, fn)
}

// Rate returns the per-km rate for a class, and whether a usable rate is
// known. Zero and absent are both "unknown".
func (o *Oracle) Rate(v models.VehicleClass) (float64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.received {
		return 0, false
	}
	r := o.table.RateFor(v)
	return r, r > 0
}

// Quote prices a trip, rounded to the nearest integer currency unit, doubled
// for a return trip. Nil while the rate for the class is unknown.
func (o *Oracle) Quote(v models.VehicleClass, distanceKm float64, wantReturn bool) *int64 {
	rate, ok := o.Rate(v)
	if !ok {
		return nil
	}
	price := distanceKm * rate
	if wantReturn {
		price *= 2
	}
	n := int64(math.Round(price))
	return &n
}
