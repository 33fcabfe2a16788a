// Package liquidityapi is the HTTP adapter for the liquidity provider's
// pay-in API.
package liquidityapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"exchange-service/internal/provider"
	"exchange-service/pkg/xerrors"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const providerName = "liquidityapi"

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func New(baseURL, apiKey string, logger *zap.Logger) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second)

	return &Client{http: c, logger: logger}
}

func (c *Client) Name() string { return providerName }

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) fail(op string, resp *resty.Response, err error) error {
	if err != nil {
		return xerrors.NewProvider(providerName, op, err)
	}
	msg := fmt.Sprintf("status %d", resp.StatusCode())
	if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return xerrors.NewProvider(providerName, op+": "+msg, nil)
}

func (c *Client) GetExchangeRates(ctx context.Context, currency string) ([]provider.Rate, error) {
	var out struct {
		Rates []provider.Rate `json:"rates"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("currency", currency).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/business/rates")
	if err != nil || resp.IsError() {
		return nil, c.fail("get exchange rates", resp, err)
	}
	return out.Rates, nil
}

func (c *Client) GetChannels(ctx context.Context, country string) ([]provider.Channel, error) {
	var out struct {
		Channels []provider.Channel `json:"channels"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("country", country).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/business/channels")
	if err != nil || resp.IsError() {
		return nil, c.fail("get channels", resp, err)
	}
	return out.Channels, nil
}

func (c *Client) CreatePayInRequest(ctx context.Context, payload provider.CreatePayInPayload) (*provider.PayInRequest, error) {
	var out provider.PayInRequest
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/business/collections")
	if err != nil || resp.IsError() {
		return nil, c.fail("create pay-in request", resp, err)
	}

	c.logger.Info("pay-in request opened",
		zap.String("transaction_ref", payload.TransactionRef),
		zap.String("pay_in_ref", out.Ref),
	)
	return &out, nil
}

func (c *Client) AcceptPayInRequest(ctx context.Context, ref string) (*provider.AcceptResult, error) {
	var out provider.AcceptResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"ref": ref}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/business/collections/" + ref + "/accept")
	if err != nil || resp.IsError() {
		return nil, c.fail("accept pay-in request", resp, err)
	}
	return &out, nil
}

func (c *Client) GetPayInRequestByTransactionRef(ctx context.Context, transactionRef string) (*provider.PayInRequest, error) {
	var out provider.PayInRequest
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/business/collections/by-transaction/" + transactionRef)
	if err != nil {
		return nil, c.fail("get pay-in request", resp, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, xerrors.ErrNotFound
	}
	if resp.IsError() {
		return nil, c.fail("get pay-in request", resp, nil)
	}
	return &out, nil
}

// SettleLedgerEntry marks the provider-side ledger entry for the transaction
// as settled after a refund. Implements provider.SettlementLedgerPoster.
func (c *Client) SettleLedgerEntry(ctx context.Context, transactionRef string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&apiError{}).
		Post("/business/ledger/" + transactionRef + "/settle")
	if err != nil || resp.IsError() {
		return c.fail("settle ledger entry", resp, err)
	}
	return nil
}
