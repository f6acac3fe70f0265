package internal

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/config"
	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/internal/services/gateway"
	"github.com/vadiminshakov/rebalancer/internal/storage/simstate"
)

// brokerageProvider builds the undecorated brokerage for one backend.
type brokerageProvider interface {
	Brokerage(ctx context.Context) (gateway.Brokerage, error)
}

// newBrokerageProvider is the single point of dispatch to backend-specific brokerages.
func newBrokerageProvider(conf config.BrokerageConfig, logger *zap.Logger) (brokerageProvider, error) {
	switch conf.Kind {
	case "simulate":
		return &simulateProvider{conf: conf, logger: logger}, nil
	case "http":
		return &httpProvider{conf: conf, logger: logger}, nil
	default:
		return nil, errors.Errorf("unsupported brokerage kind: %s", conf.Kind)
	}
}

type simulateProvider struct {
	conf   config.BrokerageConfig
	logger *zap.Logger
}

func (p *simulateProvider) Brokerage(_ context.Context) (gateway.Brokerage, error) {
	store, err := simstate.NewStore(p.conf.StateFile)
	if err != nil {
		return nil, errors.Wrap(err, "init simulate state store")
	}

	accounts := make([]gateway.SimulatedAccount, 0, len(p.conf.Accounts))
	for _, a := range p.conf.Accounts {
		holdings := make(map[string]gateway.SimulatedHolding, len(a.Holdings))
		for _, h := range a.Holdings {
			holdings[h.Symbol] = gateway.SimulatedHolding{Quantity: h.Quantity, AssetType: domain.AssetType(h.AssetType)}
		}
		accounts = append(accounts, gateway.SimulatedAccount{AccountRef: a.AccountRef, Cash: a.Cash, Holdings: holdings})
	}

	return gateway.NewSimulateBrokerage(accounts, p.conf.Prices, store, p.logger.Named("simulate"))
}

type httpProvider struct {
	conf   config.BrokerageConfig
	logger *zap.Logger
}

func (p *httpProvider) Brokerage(_ context.Context) (gateway.Brokerage, error) {
	token := os.Getenv(p.conf.TokenEnv)
	if token == "" {
		p.logger.Warn("brokerage token is empty", zap.String("env", p.conf.TokenEnv))
	}
	return gateway.NewHTTPBrokerage(p.conf.BaseURL, token, p.conf.Timeout, p.logger.Named("http"))
}
