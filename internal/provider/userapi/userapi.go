// Package userapi is the HTTP adapter for the internal user service: KYC
// records, deposit addresses and receiving bank accounts.
package userapi

import (
	"context"
	"net/http"
	"time"

	"exchange-service/internal/domain"
	"exchange-service/internal/provider"
	"exchange-service/pkg/xerrors"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const serviceName = "userapi"

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func New(baseURL, apiKey string, logger *zap.Logger) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second)

	return &Client{http: c, logger: logger}
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) fail(op string, resp *resty.Response, err error) error {
	if err != nil {
		return xerrors.NewProvider(serviceName, op, err)
	}
	msg := op
	if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
		msg = op + ": " + e.Message
	}
	return xerrors.NewProvider(serviceName, msg, nil)
}

// GetKycDetailsByUserID returns nil with no error when the user has no KYC
// record; callers treat that as a validation failure.
func (c *Client) GetKycDetailsByUserID(ctx context.Context, userID string) (*domain.KycDetails, error) {
	var out domain.KycDetails
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/users/" + userID + "/kyc")
	if err != nil {
		return nil, c.fail("get kyc details", resp, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, c.fail("get kyc details", resp, nil)
	}
	return &out, nil
}

// DepositAddress returns the user's on-file address for the currency, empty
// when none exists.
func (c *Client) DepositAddress(ctx context.Context, userID, currency string) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("currency", currency).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/users/" + userID + "/deposit-address")
	if err != nil {
		return "", c.fail("get deposit address", resp, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if resp.IsError() {
		return "", c.fail("get deposit address", resp, nil)
	}
	return out.Address, nil
}

// FindOrCreateReceivingAccount returns the stored receiving account, storing
// the requested one first when the caller supplies it.
func (c *Client) FindOrCreateReceivingAccount(ctx context.Context, userID string, requested *provider.ReceivingAccount) (*provider.ReceivingAccount, error) {
	var out provider.ReceivingAccount

	req := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{})

	var resp *resty.Response
	var err error
	if requested != nil {
		resp, err = req.SetBody(requested).Put("/users/" + userID + "/receiving-account")
	} else {
		resp, err = req.Get("/users/" + userID + "/receiving-account")
	}
	if err != nil {
		return nil, c.fail("resolve receiving account", resp, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, c.fail("resolve receiving account", resp, nil)
	}
	return &out, nil
}
