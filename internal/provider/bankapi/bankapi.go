// Package bankapi is the HTTP adapter for the banking rails provider.
package bankapi

import (
	"context"
	"fmt"
	"time"

	"exchange-service/internal/provider"
	"exchange-service/pkg/xerrors"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const providerName = "bankapi"

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

func (c *Client) GetBankList(ctx context.Context) ([]provider.Bank, error) {
	var out struct {
		Banks []provider.Bank `json:"banks"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/banks")
	if err != nil || resp.IsError() {
		return nil, c.fail("get bank list", resp, err)
	}
	return out.Banks, nil
}

func (c *Client) TransferToOtherBank(ctx context.Context, payload provider.TransferPayload) (*provider.TransferResult, error) {
	var out provider.TransferResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/transfers")
	if err != nil || resp.IsError() {
		return nil, c.fail("transfer to other bank", resp, err)
	}

	c.logger.Info("bank transfer submitted",
		zap.String("reference", payload.Reference),
		zap.String("provider_ref", out.TransactionReference),
	)
	return &out, nil
}

func (c *Client) GetTransactionStatus(ctx context.Context, transactionRef string) (*provider.TransferStatus, error) {
	var out provider.TransferStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/transfers/" + transactionRef + "/status")
	if err != nil || resp.IsError() {
		return nil, c.fail("get transaction status", resp, err)
	}
	return &out, nil
}
