// Package validator runs pre-submission risk checks on a single order.
package validator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

// Violation codes.
const (
	CodeNonPositiveQuantity = "NON_POSITIVE_QUANTITY"
	CodeMissingLimitPrice   = "MISSING_LIMIT_PRICE"
	CodeNoPrice             = "NO_PRICE"
	CodeOrderValueTooHigh   = "ORDER_VALUE_TOO_HIGH"
	CodePositionTooLarge    = "POSITION_TOO_LARGE"
	CodeNoAccountValue      = "NO_ACCOUNT_VALUE"
	CodeInsufficientCash    = "INSUFFICIENT_CASH"
)

// Limits is the global per-order policy.
type Limits struct {
	MaxOrderValue  decimal.Decimal
	MaxPositionPct decimal.Decimal
}

// Order is the instruction being validated with the price it would trade at.
// For LIMIT orders the limit price is used when present.
type Order struct {
	Symbol     string
	Action     domain.Action
	OrderType  domain.OrderType
	Quantity   int64
	LimitPrice decimal.Decimal
	Price      decimal.Decimal
}

// OrderFromInstruction builds an Order priced at price.
func OrderFromInstruction(t domain.TradeInstruction, price decimal.Decimal) Order {
	return Order{
		Symbol:     t.Symbol,
		Action:     t.Action,
		OrderType:  t.OrderType,
		Quantity:   t.Quantity,
		LimitPrice: t.LimitPrice,
		Price:      price,
	}
}

// Value is quantity times the declared or estimated price.
func (o Order) Value() decimal.Decimal {
	price := o.Price
	if o.OrderType == domain.OrderTypeLimit && o.LimitPrice.IsPositive() {
		price = o.LimitPrice
	}
	return decimal.NewFromInt(o.Quantity).Mul(price)
}

// Account is freshly fetched account state.
type Account struct {
	TotalValue decimal.Decimal
	Cash       decimal.Decimal
}

// Violation is one failed check.
type Violation struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Result holds every violation found; checks never short-circuit.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

func (r *Result) add(code, msg string) {
	r.Violations = append(r.Violations, Violation{Code: code, Msg: msg})
	r.Valid = false
}

// Errors returns the violation messages.
func (r Result) Errors() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Msg)
	}
	return out
}

// Validator applies Limits.
type Validator struct {
	limits Limits
}

// New creates a Validator.
func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate checks o against the limits and acct.
func (v *Validator) Validate(o Order, acct Account) Result {
	r := Result{Valid: true}

	if o.Quantity <= 0 {
		r.add(CodeNonPositiveQuantity, fmt.Sprintf("quantity must be positive, got %d", o.Quantity))
	}
	if o.OrderType == domain.OrderTypeLimit && !o.LimitPrice.IsPositive() {
		r.add(CodeMissingLimitPrice, "limit order requires a positive limit price")
	}

	value := o.Value()
	if !value.IsPositive() && o.Quantity > 0 {
		r.add(CodeNoPrice, fmt.Sprintf("no usable price for %s", o.Symbol))
	}

	if v.limits.MaxOrderValue.IsPositive() && value.GreaterThan(v.limits.MaxOrderValue) {
		r.add(CodeOrderValueTooHigh,
			fmt.Sprintf("order value %s exceeds max %s", value.StringFixed(2), v.limits.MaxOrderValue.StringFixed(2)))
	}

	if v.limits.MaxPositionPct.IsPositive() {
		if !acct.TotalValue.IsPositive() {
			r.add(CodeNoAccountValue, "account total value is not positive")
		} else if pct := value.Div(acct.TotalValue); pct.GreaterThan(v.limits.MaxPositionPct) {
			r.add(CodePositionTooLarge,
				fmt.Sprintf("order is %s%% of account, max %s%%",
					pct.Mul(decimal.NewFromInt(100)).StringFixed(2),
					v.limits.MaxPositionPct.Mul(decimal.NewFromInt(100)).StringFixed(2)))
		}
	}

	if o.Action.ConsumesCash() && value.GreaterThan(acct.Cash) {
		r.add(CodeInsufficientCash,
			fmt.Sprintf("order value %s exceeds available cash %s", value.StringFixed(2), acct.Cash.StringFixed(2)))
	}

	return r
}
