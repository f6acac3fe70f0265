package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/internal/storage/simstate"
)

// SimulatedAccount seeds one account of the simulator.
type SimulatedAccount struct {
	AccountRef string
	Cash       decimal.Decimal
	Holdings   map[string]SimulatedHolding
}

// SimulatedHolding is a seeded position.
type SimulatedHolding struct {
	Quantity  decimal.Decimal
	AssetType domain.AssetType
}

type simAccount struct {
	cash     decimal.Decimal
	holdings map[string]SimulatedHolding
}

// SimulateBrokerage fills market orders immediately at the last known price.
// Orders are deduplicated by client order id.
type SimulateBrokerage struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	accounts   map[string]*simAccount
	prices     map[string]decimal.Decimal
	orders     map[string]simstate.StoredOrder
	seq        int64
	stateStore *simstate.Store
	now        func() time.Time
}

// NewSimulateBrokerage creates a simulator seeded with accounts and prices.
// Persisted state, when present, takes precedence over the seed.
func NewSimulateBrokerage(accounts []SimulatedAccount, prices map[string]decimal.Decimal, stateStore *simstate.Store, logger *zap.Logger) (*SimulateBrokerage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &SimulateBrokerage{
		logger:     logger,
		accounts:   make(map[string]*simAccount, len(accounts)),
		prices:     make(map[string]decimal.Decimal, len(prices)),
		orders:     make(map[string]simstate.StoredOrder),
		stateStore: stateStore,
		now:        time.Now,
	}
	for _, a := range accounts {
		if a.AccountRef == "" {
			return nil, errors.New("simulated account ref is required")
		}
		holdings := make(map[string]SimulatedHolding, len(a.Holdings))
		for sym, h := range a.Holdings {
			holdings[sym] = h
		}
		b.accounts[a.AccountRef] = &simAccount{cash: a.Cash, holdings: holdings}
	}
	for sym, p := range prices {
		b.prices[sym] = p
	}

	if err := b.restoreState(); err != nil {
		logger.Warn("failed to restore simulate state", zap.Error(err))
	}

	logger.Info("simulate brokerage init",
		zap.Int("accounts", len(b.accounts)),
		zap.Int("prices", len(b.prices)),
		zap.Int("orders", len(b.orders)))

	return b, nil
}

// SetPrice updates the last price of symbol.
func (b *SimulateBrokerage) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// GetLastPrice returns the last known price.
func (b *SimulateBrokerage) GetLastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.prices[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "no price for %s", symbol)
	}
	return p, nil
}

// GetPortfolio values every holding at the last price.
func (b *SimulateBrokerage) GetPortfolio(_ context.Context, accountRef string) (domain.Portfolio, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	acc, ok := b.accounts[accountRef]
	if !ok {
		return domain.Portfolio{}, errors.Wrapf(domain.ErrBrokerage, "unknown account %s", accountRef)
	}

	symbols := make([]string, 0, len(acc.holdings))
	for sym := range acc.holdings {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	total := acc.cash
	positions := make([]domain.Position, 0, len(symbols))
	for _, sym := range symbols {
		h := acc.holdings[sym]
		if h.Quantity.IsZero() {
			continue
		}
		mv := h.Quantity.Mul(b.prices[sym])
		pos, err := domain.NewPosition(sym, h.Quantity, mv, h.AssetType)
		if err != nil {
			return domain.Portfolio{}, errors.Wrapf(err, "build position %s", sym)
		}
		positions = append(positions, pos)
		total = total.Add(mv)
	}

	return domain.Portfolio{
		AccountRef: accountRef,
		Positions:  positions,
		Summary:    domain.PortfolioSummary{TotalValue: total, Cash: acc.cash},
		FetchedAt:  b.now().UTC(),
	}, nil
}

// PlaceOrder fills the order at the last price. Resubmitting a known client
// order id returns the original acknowledgement without filling again.
func (b *SimulateBrokerage) PlaceOrder(_ context.Context, req OrderRequest) (OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.ClientOrderID != "" {
		if o, ok := b.orders[req.ClientOrderID]; ok {
			b.logger.Info("duplicate client order id, returning original ack",
				zap.String("client_order_id", req.ClientOrderID),
				zap.String("order_id", o.OrderID))
			return OrderAck{OrderID: o.OrderID, Status: o.Status}, nil
		}
	}

	if req.Quantity <= 0 {
		return OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "quantity must be positive, got %d", req.Quantity)
	}
	acc, ok := b.accounts[req.AccountRef]
	if !ok {
		return OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "unknown account %s", req.AccountRef)
	}
	price, ok := b.prices[req.Symbol]
	if !ok || !price.IsPositive() {
		return OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "no market for %s", req.Symbol)
	}
	if req.OrderType == domain.OrderTypeLimit && req.LimitPrice.IsPositive() {
		if req.Action.ConsumesCash() && price.GreaterThan(req.LimitPrice) {
			return OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "limit %s below market %s", req.LimitPrice, price)
		}
		if req.Action.IsSell() && price.LessThan(req.LimitPrice) {
			return OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "limit %s above market %s", req.LimitPrice, price)
		}
	}

	qty := decimal.NewFromInt(req.Quantity)
	value := qty.Mul(price)
	holding := acc.holdings[req.Symbol]

	switch req.Action {
	case domain.ActionBuy:
		if acc.cash.LessThan(value) {
			return OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "insufficient funds: need %s, have %s", value, acc.cash)
		}
		acc.cash = acc.cash.Sub(value)
		holding.Quantity = holding.Quantity.Add(qty)
	case domain.ActionSell:
		if holding.Quantity.LessThan(qty) {
			return OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "insufficient %s: need %s, have %s", req.Symbol, qty, holding.Quantity)
		}
		acc.cash = acc.cash.Add(value)
		holding.Quantity = holding.Quantity.Sub(qty)
	default:
		return OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "action %s is not supported by the simulator", req.Action)
	}

	if holding.AssetType == "" {
		holding.AssetType = domain.AssetTypeEquity
	}
	if holding.Quantity.IsZero() {
		delete(acc.holdings, req.Symbol)
	} else {
		acc.holdings[req.Symbol] = holding
	}

	b.seq++
	order := simstate.StoredOrder{
		OrderID:    fmt.Sprintf("SIM-%d-%d", b.now().UnixNano(), b.seq),
		AccountRef: req.AccountRef,
		Symbol:     req.Symbol,
		Action:     string(req.Action),
		Quantity:   req.Quantity,
		Price:      price.String(),
		Status:     "filled",
	}
	if req.ClientOrderID != "" {
		b.orders[req.ClientOrderID] = order
	}

	b.logger.Info("simulated fill",
		zap.String("account", req.AccountRef),
		zap.String("symbol", req.Symbol),
		zap.String("action", req.Action.String()),
		zap.Int64("quantity", req.Quantity),
		zap.String("price", price.String()),
		zap.String("order_id", order.OrderID))

	if err := b.saveState(); err != nil {
		b.logger.Error("failed to persist simulate state", zap.Error(err))
	}

	return OrderAck{OrderID: order.OrderID, Status: order.Status}, nil
}

func (b *SimulateBrokerage) restoreState() error {
	if b.stateStore == nil {
		return nil
	}
	state, err := b.stateStore.Load()
	if err != nil || state == nil {
		return err
	}

	for ref, a := range state.Accounts {
		cash, err := decimal.NewFromString(a.Cash)
		if err != nil {
			return errors.Wrapf(err, "decode cash of %s", ref)
		}
		holdings := make(map[string]SimulatedHolding, len(a.Holdings))
		for sym, h := range a.Holdings {
			qty, err := decimal.NewFromString(h.Quantity)
			if err != nil {
				return errors.Wrapf(err, "decode %s quantity of %s", sym, ref)
			}
			holdings[sym] = SimulatedHolding{Quantity: qty, AssetType: domain.AssetType(h.AssetType)}
		}
		b.accounts[ref] = &simAccount{cash: cash, holdings: holdings}
	}
	for sym, p := range state.Prices {
		price, err := decimal.NewFromString(p)
		if err != nil {
			return errors.Wrapf(err, "decode price of %s", sym)
		}
		b.prices[sym] = price
	}
	for id, o := range state.Orders {
		b.orders[id] = o
	}
	return nil
}

func (b *SimulateBrokerage) saveState() error {
	if b.stateStore == nil {
		return nil
	}

	state := simstate.State{
		Accounts: make(map[string]simstate.Account, len(b.accounts)),
		Prices:   make(map[string]string, len(b.prices)),
		Orders:   b.orders,
	}
	for ref, a := range b.accounts {
		holdings := make(map[string]simstate.Holding, len(a.holdings))
		for sym, h := range a.holdings {
			holdings[sym] = simstate.Holding{Quantity: h.Quantity.String(), AssetType: string(h.AssetType)}
		}
		state.Accounts[ref] = simstate.Account{Cash: a.cash.String(), Holdings: holdings}
	}
	for sym, p := range b.prices {
		state.Prices[sym] = p.String()
	}
	return b.stateStore.Save(state)
}
