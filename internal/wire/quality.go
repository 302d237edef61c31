package wire

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"marketfeed/internal/model"
)

// ErrQuality is wrapped by every data-quality rejection.
var ErrQuality = errors.New("data quality violation")

var half = decimal.NewFromFloat(0.5)

// QualityOptions tunes the lenient parts of quote validation.
type QualityOptions struct {
	// FlagDayRange reports quotes whose day range exceeds half the last price.
	FlagDayRange bool
	// RejectDayRange turns such quotes into rejections.
	RejectDayRange bool
}

// CheckQuote validates a quote. It returns suspicious=true when the quote is
// accepted but its day range looks anomalous.
func CheckQuote(q model.Quote, opts QualityOptions) (suspicious bool, err error) {
	if q.Symbol == "" {
		return false, fmt.Errorf("%w: quote has empty symbol", ErrQuality)
	}
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() || !q.Last.IsPositive() {
		return false, fmt.Errorf("%w: quote %s has non-positive prices", ErrQuality, q.Symbol)
	}
	if q.Bid.GreaterThanOrEqual(q.Ask) {
		return false, fmt.Errorf("%w: quote %s has bid %s >= ask %s", ErrQuality, q.Symbol, q.Bid, q.Ask)
	}
	if q.High.LessThan(q.Low) {
		return false, fmt.Errorf("%w: quote %s has high %s below low %s", ErrQuality, q.Symbol, q.High, q.Low)
	}

	if opts.FlagDayRange || opts.RejectDayRange {
		dayRange := q.High.Sub(q.Low)
		if dayRange.GreaterThan(q.Last.Mul(half)) {
			if opts.RejectDayRange {
				return true, fmt.Errorf("%w: quote %s day range %s exceeds half of last price", ErrQuality, q.Symbol, dayRange)
			}
			return true, nil
		}
	}
	return false, nil
}

// CheckTrade validates a trade.
func CheckTrade(t model.Trade) error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: trade has empty symbol", ErrQuality)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: trade %s has empty id", ErrQuality, t.Symbol)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: trade %s has non-positive price", ErrQuality, t.ID)
	}
	if !t.Size.IsPositive() {
		return fmt.Errorf("%w: trade %s has non-positive size", ErrQuality, t.ID)
	}
	return nil
}

// CheckOrderBook validates side ordering and the spread of a book update.
// Zero sizes are allowed because a delta uses them to delete a level.
func CheckOrderBook(u model.OrderBookUpdate) error {
	if u.Symbol == "" {
		return fmt.Errorf("%w: order book has empty symbol", ErrQuality)
	}
	for side, levels := range map[string][]model.PriceLevel{"bid": u.Bids, "ask": u.Asks} {
		for _, l := range levels {
			if !l.Price.IsPositive() || l.Size.IsNegative() {
				return fmt.Errorf("%w: order book %s has invalid %s level %s@%s", ErrQuality, u.Symbol, side, l.Size, l.Price)
			}
		}
	}
	for i := 1; i < len(u.Bids); i++ {
		if u.Bids[i].Price.GreaterThan(u.Bids[i-1].Price) {
			return fmt.Errorf("%w: order book %s bids not sorted descending", ErrQuality, u.Symbol)
		}
	}
	for i := 1; i < len(u.Asks); i++ {
		if u.Asks[i].Price.LessThan(u.Asks[i-1].Price) {
			return fmt.Errorf("%w: order book %s asks not sorted ascending", ErrQuality, u.Symbol)
		}
	}
	if len(u.Bids) > 0 && len(u.Asks) > 0 && u.Bids[0].Price.GreaterThanOrEqual(u.Asks[0].Price) {
		return fmt.Errorf("%w: order book %s has crossed spread", ErrQuality, u.Symbol)
	}
	return nil
}
