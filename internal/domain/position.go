package domain

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// AssetType classifies a holding. Only equities take part in rebalancing.
type AssetType string

const (
	AssetTypeEquity      AssetType = "equity"
	AssetTypeCash        AssetType = "cash"
	AssetTypeMoneyMarket AssetType = "money_market"
)

// Position is a read-only snapshot of one held symbol.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarketValue decimal.Decimal `json:"market_value"`
	AssetType   AssetType       `json:"asset_type,omitempty"`
}

// NewPosition constructs a validated position snapshot.
func NewPosition(symbol string, quantity, marketValue decimal.Decimal, assetType AssetType) (Position, error) {
	if symbol == "" {
		return Position{}, errors.New("position symbol is required")
	}
	if quantity.IsNegative() {
		return Position{}, errors.Errorf("position %s quantity must not be negative, got %s", symbol, quantity)
	}
	if marketValue.IsNegative() {
		return Position{}, errors.Errorf("position %s market value must not be negative, got %s", symbol, marketValue)
	}
	if assetType == "" {
		assetType = AssetTypeEquity
	}

	return Position{
		Symbol:      symbol,
		Quantity:    quantity,
		MarketValue: marketValue,
		AssetType:   assetType,
	}, nil
}

// IsEquity reports whether the position is a tradable equity holding.
// Positions without an asset type are treated as equities.
func (p Position) IsEquity() bool {
	return p.AssetType == "" || p.AssetType == AssetTypeEquity
}

// CurrentPrice is market value per share, zero when nothing is held.
func (p Position) CurrentPrice() decimal.Decimal {
	if !p.Quantity.IsPositive() {
		return decimal.Zero
	}
	return p.MarketValue.Div(p.Quantity)
}

// Weight is the share of the account held in this position.
func (p Position) Weight(accountTotal decimal.Decimal) decimal.Decimal {
	if !accountTotal.IsPositive() {
		return decimal.Zero
	}
	return p.MarketValue.Div(accountTotal)
}

// PortfolioSummary holds account-level totals.
type PortfolioSummary struct {
	TotalValue decimal.Decimal `json:"total_value"`
	Cash       decimal.Decimal `json:"cash"`
}

// Portfolio is the account state returned by the gateway.
type Portfolio struct {
	AccountRef string           `json:"account_ref"`
	Positions  []Position       `json:"positions"`
	Summary    PortfolioSummary `json:"summary"`
	FetchedAt  time.Time        `json:"fetched_at"`
}

// Equities returns equity positions sorted by symbol.
func (p Portfolio) Equities() []Position {
	out := make([]Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		if pos.IsEquity() {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position looks up a held symbol.
func (p Portfolio) Position(symbol string) (Position, bool) {
	for _, pos := range p.Positions {
		if pos.Symbol == symbol {
			return pos, true
		}
	}
	return Position{}, false
}
