// Package model defines core data types shared by the realtime and kline engines.
//
// All prices and quantities use decimal.Decimal so that bars built from many
// ticks never accumulate floating-point rounding errors.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tick represents a single trade event consumed by the bar aggregator.
//
// A tick with zero price and zero size is synthetic: it is produced by the
// periodic injector and only marks a bucket boundary.
type Tick struct {
	Timestamp time.Time       // Exchange timestamp of the trade
	Price     decimal.Decimal // Execution price
	Size      decimal.Decimal // Executed quantity
}

// IsSynthetic reports whether the tick carries no trade information.
func (t Tick) IsSynthetic() bool {
	return t.Price.IsZero() && t.Size.IsZero()
}

// IsAnomalous reports whether the tick has volume but no usable price.
func (t Tick) IsAnomalous() bool {
	return !t.Price.IsPositive() && !t.Size.IsZero()
}

// Bar represents one fixed-width OHLCV bucket at the requested resolution.
//
// Fields:
//   - Symbol: instrument this bar belongs to
//   - Timestamp: start of the bucket (inclusive)
//   - Open, High, Low, Close: prices inside the bucket; zero means "not seen yet"
//   - Volume: total traded quantity inside the bucket
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

func (b Bar) String() string {
	return fmt.Sprintf("%s %s O:%s H:%s L:%s C:%s V:%s",
		b.Symbol, b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// CommandKind tags the payload carried by a Command.
type CommandKind int

const (
	// CommandTrade carries a Tick to be folded into the latest bar.
	CommandTrade CommandKind = iota

	// CommandBar carries a finalized Bar for the bar callback.
	CommandBar
)

func (k CommandKind) String() string {
	switch k {
	case CommandTrade:
		return "trade"
	case CommandBar:
		return "bar"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is the unit of work on the aggregator queue. Exactly one of Tick or
// Bar is meaningful, selected by Kind.
type Command struct {
	Kind CommandKind
	Tick Tick
	Bar  Bar
}

// TradeCommand wraps a tick.
func TradeCommand(t Tick) Command {
	return Command{Kind: CommandTrade, Tick: t}
}

// BarCommand wraps a finalized bar.
func BarCommand(b Bar) Command {
	return Command{Kind: CommandBar, Bar: b}
}
