package trader

import (
	"errors"
	"math"
	"strings"

	"ngefeed/internal/table"

	"github.com/shopspring/decimal"
)

// ErrNoData is returned by views whose backing table has not been received.
var ErrNoData = errors.New("no data")

// Ticker is the rounded top of book and last trade price.
type Ticker struct {
	Last decimal.Decimal
	Buy  decimal.Decimal
	Sell decimal.Decimal
	Mid  decimal.Decimal
}

// Instrument returns the symbol's instrument row with tickLog added: the
// number of decimals implied by tickSize.
func (t *Trader) Instrument() (table.Row, error) {
	rows := t.store.Rows(table.Instrument)
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	inst := rows[0]
	inst["tickLog"] = tickLog(inst)
	return inst, nil
}

func tickLog(inst table.Row) int {
	size, ok := inst.Decimal("tickSize")
	if !ok || !size.IsPositive() {
		return 0
	}
	// nudge exact powers of ten past float error, e.g. log10(1e-5) = -4.999...
	return int(math.Abs(math.Log10(size.InexactFloat64())) + 1e-9)
}

// Ticker builds the last/buy/sell/mid prices from the newest trade and quote,
// rounded to the instrument's tick precision. Missing prices read as zero.
func (t *Trader) Ticker() (Ticker, error) {
	inst, err := t.Instrument()
	if err != nil {
		return Ticker{}, err
	}
	quotes := t.store.Rows(table.Quote)
	trades := t.store.Rows(table.Trade)
	if len(quotes) == 0 || len(trades) == 0 {
		return Ticker{}, ErrNoData
	}
	quote := quotes[len(quotes)-1]
	trade := trades[len(trades)-1]

	places := int32(tickLog(inst))
	last, _ := trade.Decimal("price")
	bid, _ := quote.Decimal("bidPrice")
	ask, _ := quote.Decimal("askPrice")
	return Ticker{
		Last: last.Round(places),
		Buy:  bid.Round(places),
		Sell: ask.Round(places),
		Mid:  bid.Add(ask).Div(decimal.NewFromInt(2)).Round(places),
	}, nil
}

// Funds returns the account margin row.
func (t *Trader) Funds() (table.Row, error) {
	rows := t.store.Rows(table.Margin)
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	return rows[0], nil
}

// MarketDepth returns every order book level.
func (t *Trader) MarketDepth() []table.Row {
	return t.store.Rows(table.OrderBookL2)
}

// RecentTrades returns the buffered public trades, oldest first.
func (t *Trader) RecentTrades() []table.Row {
	return t.store.Rows(table.Trade)
}

// OpenOrders returns orders whose clOrdID starts with prefix and that still
// have quantity left.
func (t *Trader) OpenOrders(prefix string) []table.Row {
	var out []table.Row
	for _, o := range t.store.Rows(table.Order) {
		if !strings.HasPrefix(o.String("clOrdID"), prefix) {
			continue
		}
		if leaves, ok := o.Decimal("leavesQty"); ok && leaves.IsPositive() {
			out = append(out, o)
		}
	}
	return out
}

// BestBidAsk returns the best prices from the order book, falling back to the
// newest quote when a side is empty.
func (t *Trader) BestBidAsk() (bid, ask decimal.Decimal, err error) {
	var haveBid, haveAsk bool
	for _, level := range t.store.Rows(table.OrderBookL2) {
		price, ok := level.Decimal("price")
		if !ok {
			continue
		}
		switch level.String("side") {
		case "Buy":
			if !haveBid || price.GreaterThan(bid) {
				bid, haveBid = price, true
			}
		case "Sell":
			if !haveAsk || price.LessThan(ask) {
				ask, haveAsk = price, true
			}
		}
	}
	if haveBid && haveAsk {
		return bid, ask, nil
	}

	quotes := t.store.Rows(table.Quote)
	if len(quotes) == 0 {
		if haveBid || haveAsk {
			return bid, ask, nil
		}
		return decimal.Zero, decimal.Zero, ErrNoData
	}
	quote := quotes[len(quotes)-1]
	if !haveBid {
		bid, _ = quote.Decimal("bidPrice")
	}
	if !haveAsk {
		ask, _ = quote.Decimal("askPrice")
	}
	return bid, ask, nil
}
