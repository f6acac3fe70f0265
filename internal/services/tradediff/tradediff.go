// Package tradediff turns a target allocation into ordered trade instructions.
package tradediff

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

// Input is everything the calculator needs. Prices holds the latest known
// price for target symbols that are not held or whose holding carries no
// market value.
type Input struct {
	Positions    []domain.Position
	Target       domain.TargetAllocation
	AccountValue decimal.Decimal
	Cash         decimal.Decimal
	Prices       map[string]decimal.Decimal
}

// Calculator computes the trades that move holdings toward a target.
type Calculator struct {
	tolerance decimal.Decimal
	l         *zap.Logger
}

// NewCalculator creates a calculator. Tolerance is the fraction a position
// may deviate from its target value before it is traded.
func NewCalculator(tolerance decimal.Decimal, l *zap.Logger) *Calculator {
	if l == nil {
		l = zap.NewNop()
	}
	return &Calculator{tolerance: tolerance, l: l}
}

// ComputeTrades runs the exit, reduce, entry and increase passes and returns
// sells ahead of buys. Symbols without a usable price are skipped.
func (c *Calculator) ComputeTrades(in Input) []domain.TradeInstruction {
	held := make(map[string]domain.Position)
	heldOrder := make([]string, 0, len(in.Positions))
	for _, p := range in.Positions {
		if !p.IsEquity() || !p.Quantity.IsPositive() {
			continue
		}
		held[p.Symbol] = p
		heldOrder = append(heldOrder, p.Symbol)
	}

	one := decimal.NewFromInt(1)
	upper := one.Add(c.tolerance)
	lower := one.Sub(c.tolerance)

	trades := make([]domain.TradeInstruction, 0, len(held)+len(in.Target))

	// exit
	for _, symbol := range heldOrder {
		if in.Target.Has(symbol) {
			continue
		}
		p := held[symbol]
		shares := p.Quantity.Floor()
		if !shares.IsPositive() {
			continue
		}
		price := p.CurrentPrice()
		trades = append(trades, domain.TradeInstruction{
			Symbol:          symbol,
			Action:          domain.ActionSell,
			OrderType:       domain.OrderTypeMarket,
			Quantity:        shares.IntPart(),
			CurrentQuantity: p.Quantity,
			TargetQuantity:  p.Quantity.Sub(shares),
			EstimatedPrice:  price,
			EstimatedValue:  shares.Mul(price),
			Reason:          "exit: not in target allocation",
		})
	}

	// reduce
	for _, symbol := range heldOrder {
		if !in.Target.Has(symbol) {
			continue
		}
		p := held[symbol]
		targetValue := in.AccountValue.Mul(in.Target.Weight(symbol))
		if !p.MarketValue.GreaterThan(targetValue.Mul(upper)) {
			continue
		}
		price := p.CurrentPrice()
		if !c.usablePrice(symbol, price) {
			continue
		}
		if t, ok := c.instruction(domain.ActionSell, p, p.MarketValue.Sub(targetValue), price, in.AccountValue, in.Target.Weight(symbol)); ok {
			trades = append(trades, t)
		}
	}

	// entry
	for _, symbol := range in.Target.Symbols() {
		if _, ok := held[symbol]; ok {
			continue
		}
		w := in.Target.Weight(symbol)
		if !w.IsPositive() {
			continue
		}
		price := in.Prices[symbol]
		if !c.usablePrice(symbol, price) {
			continue
		}
		p := domain.Position{Symbol: symbol, Quantity: decimal.Zero, MarketValue: decimal.Zero}
		if t, ok := c.instruction(domain.ActionBuy, p, in.AccountValue.Mul(w), price, in.AccountValue, w); ok {
			t.Reason = fmt.Sprintf("entry: target %s", pct(w))
			trades = append(trades, t)
		}
	}

	// increase
	for _, symbol := range heldOrder {
		if !in.Target.Has(symbol) {
			continue
		}
		p := held[symbol]
		w := in.Target.Weight(symbol)
		targetValue := in.AccountValue.Mul(w)
		if !p.MarketValue.LessThan(targetValue.Mul(lower)) {
			continue
		}
		price := p.CurrentPrice()
		if !price.IsPositive() {
			price = in.Prices[symbol]
		}
		if !c.usablePrice(symbol, price) {
			continue
		}
		if t, ok := c.instruction(domain.ActionBuy, p, targetValue.Sub(p.MarketValue), price, in.AccountValue, w); ok {
			trades = append(trades, t)
		}
	}

	domain.SortSellsFirst(trades)

	c.l.Debug("computed trades",
		zap.Int("count", len(trades)),
		zap.String("account_value", in.AccountValue.String()),
		zap.String("cash", in.Cash.String()))

	return trades
}

// instruction sizes an order as floor(valueDelta / price). It reports false
// when the whole-share quantity is zero.
func (c *Calculator) instruction(action domain.Action, p domain.Position, valueDelta, price, accountValue, targetWeight decimal.Decimal) (domain.TradeInstruction, bool) {
	shares := valueDelta.Div(price).Floor()
	if !shares.IsPositive() {
		return domain.TradeInstruction{}, false
	}

	targetQty := p.Quantity.Add(shares)
	verb := "increase"
	if action == domain.ActionSell {
		targetQty = p.Quantity.Sub(shares)
		verb = "reduce"
	}

	return domain.TradeInstruction{
		Symbol:          p.Symbol,
		Action:          action,
		OrderType:       domain.OrderTypeMarket,
		Quantity:        shares.IntPart(),
		CurrentQuantity: p.Quantity,
		TargetQuantity:  targetQty,
		EstimatedPrice:  price,
		EstimatedValue:  shares.Mul(price),
		Reason:          fmt.Sprintf("%s: weight %s vs target %s", verb, pct(p.Weight(accountValue)), pct(targetWeight)),
	}, true
}

func (c *Calculator) usablePrice(symbol string, price decimal.Decimal) bool {
	if price.IsPositive() {
		return true
	}
	c.l.Warn("skipping symbol without usable price",
		zap.String("symbol", symbol),
		zap.String("price", price.String()),
		zap.Error(domain.ErrPriceUnavailable))
	return false
}

func pct(w decimal.Decimal) string {
	return w.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}
