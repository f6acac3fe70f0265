package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 4 << 10
)

// HTTPBrokerage talks to a REST brokerage API with bearer authentication.
type HTTPBrokerage struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPBrokerage creates a REST client. A zero timeout means 30s.
func NewHTTPBrokerage(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*HTTPBrokerage, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.Wrapf(err, "invalid brokerage base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPBrokerage{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type portfolioResponse struct {
	AccountRef string `json:"account_ref"`
	Positions  []struct {
		Symbol      string          `json:"symbol"`
		Quantity    decimal.Decimal `json:"quantity"`
		MarketValue decimal.Decimal `json:"market_value"`
		AssetType   string          `json:"asset_type"`
	} `json:"positions"`
	Summary struct {
		TotalValue decimal.Decimal `json:"total_value"`
		Cash       decimal.Decimal `json:"cash"`
	} `json:"summary"`
}

type quoteResponse struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
}

// GetPortfolio fetches positions and account totals.
func (h *HTTPBrokerage) GetPortfolio(ctx context.Context, accountRef string) (domain.Portfolio, error) {
	var resp portfolioResponse
	path := fmt.Sprintf("/accounts/%s/portfolio", url.PathEscape(accountRef))
	if err := h.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return domain.Portfolio{}, errors.Wrapf(err, "get portfolio %s", accountRef)
	}

	positions := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		pos, err := domain.NewPosition(p.Symbol, p.Quantity, p.MarketValue, domain.AssetType(p.AssetType))
		if err != nil {
			return domain.Portfolio{}, errors.Wrapf(domain.ErrBrokerage, "malformed position: %v", err)
		}
		positions = append(positions, pos)
	}

	return domain.Portfolio{
		AccountRef: accountRef,
		Positions:  positions,
		Summary:    domain.PortfolioSummary{TotalValue: resp.Summary.TotalValue, Cash: resp.Summary.Cash},
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// GetLastPrice fetches the last traded price.
func (h *HTTPBrokerage) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp quoteResponse
	if err := h.do(ctx, http.MethodGet, "/quotes/"+url.PathEscape(symbol), nil, nil, &resp); err != nil {
		return decimal.Zero, errors.Wrapf(err, "get price %s", symbol)
	}
	if !resp.Last.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "no price for %s", symbol)
	}
	return resp.Last, nil
}

// PlaceOrder submits the order. The client order id doubles as the
// Idempotency-Key header.
func (h *HTTPBrokerage) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return OrderAck{}, errors.Wrap(err, "encode order")
	}

	headers := map[string]string{}
	if req.ClientOrderID != "" {
		headers["Idempotency-Key"] = req.ClientOrderID
	}

	var ack OrderAck
	path := fmt.Sprintf("/accounts/%s/orders", url.PathEscape(req.AccountRef))
	if err := h.do(ctx, http.MethodPost, path, body, headers, &ack); err != nil {
		return OrderAck{}, errors.Wrapf(err, "place order %s %s", req.Action, req.Symbol)
	}
	if ack.OrderID == "" {
		return OrderAck{}, errors.Wrap(domain.ErrBrokerage, "acknowledgement without order id")
	}
	return ack, nil
}

func (h *HTTPBrokerage) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.BrokerageError(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		h.logger.Warn("brokerage request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return errors.Wrapf(domain.ErrBrokerage, "%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(domain.ErrBrokerage, "decode %s response: %v", path, err)
	}
	return nil
}
