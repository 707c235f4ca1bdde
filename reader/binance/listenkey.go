// Package binance provides the Binance listenKey token providers and the
// position snapshot source used for cold resume.
package binance

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/adshao/go-binance/v2/portfolio"

	"positionwatch/config"
	"positionwatch/internal/errs"
	"positionwatch/logger"
)

const (
	futuresTestnetURL = "https://testnet.binancefuture.com"

	codeInvalidListenKey = -1125
	codeInvalidAPIKey    = -2014
	codeRejectedAPIKey   = -2015
	codeNoSuchAccount    = -2008
)

// NewFuturesClient builds a USDⓈ-M futures client for the account.
func NewFuturesClient(account config.AccountConfig, timeout time.Duration) *futures.Client {
	client := futures.NewClient(account.APIKey, account.APISecret)
	switch {
	case account.RestURL != "":
		client.BaseURL = strings.TrimRight(account.RestURL, "/")
	case account.Testnet:
		client.BaseURL = futuresTestnetURL
	}
	if timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: timeout}
	}
	return client
}

// FuturesListenKeys manages futures listenKeys through the go-binance client.
type FuturesListenKeys struct {
	client *futures.Client
	log    *logger.Log
}

func NewFuturesListenKeys(client *futures.Client) *FuturesListenKeys {
	return &FuturesListenKeys{client: client, log: logger.GetLogger()}
}

func (p *FuturesListenKeys) Acquire(ctx context.Context, account string) (string, error) {
	key, err := p.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classifyAPIError("start user stream", err)
	}
	p.log.WithComponent("listen_key").WithField("account", account).Debug("listen key created")
	return key, nil
}

func (p *FuturesListenKeys) Renew(ctx context.Context, token string) (string, error) {
	if err := p.client.NewKeepaliveUserStreamService().ListenKey(token).Do(ctx); err != nil {
		return "", classifyAPIError("keepalive user stream", err)
	}
	return token, nil
}

func (p *FuturesListenKeys) Release(ctx context.Context, token string) error {
	if err := p.client.NewCloseUserStreamService().ListenKey(token).Do(ctx); err != nil {
		return classifyAPIError("close user stream", err)
	}
	return nil
}

// classifyAPIError maps Binance error codes onto the error taxonomy. A
// positive code is the HTTP status of a response whose body was not JSON.
func classifyAPIError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(op, err)
	}
	code, ok := apiErrorCode(err)
	if !ok {
		return errs.Transient(op, err)
	}
	switch {
	case code == codeInvalidListenKey,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden:
		return errs.SessionExpired(op, err)
	case code == codeInvalidAPIKey, code == codeRejectedAPIKey, code == codeNoSuchAccount:
		return errs.FatalConfiguration(op, err)
	case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		return errs.Transient(op, err)
	case code >= http.StatusBadRequest:
		return errs.FatalConfiguration(op, err)
	default:
		return errs.Transient(op, err)
	}
}

func apiErrorCode(err error) (int64, bool) {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var pmErr *portfolio.Error
	if errors.As(err, &pmErr) {
		return pmErr.Code, true
	}
	return 0, false
}

// NewPortfolioClient builds a portfolio margin client for a unified account.
func NewPortfolioClient(account config.AccountConfig, timeout time.Duration) *portfolio.Client {
	client := portfolio.NewClient(account.APIKey, account.APISecret)
	if account.RestURL != "" {
		client.BaseURL = strings.TrimRight(account.RestURL, "/")
	}
	if timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: timeout}
	}
	return client
}

// PortfolioListenKeys manages the listenKeys of unified (portfolio margin)
// accounts through /papi/v1/listenKey.
type PortfolioListenKeys struct {
	client *portfolio.Client
	log    *logger.Log
}

func NewPortfolioListenKeys(client *portfolio.Client) *PortfolioListenKeys {
	return &PortfolioListenKeys{client: client, log: logger.GetLogger()}
}

func (p *PortfolioListenKeys) Acquire(ctx context.Context, account string) (string, error) {
	key, err := p.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classifyAPIError("start user stream", err)
	}
	if key == "" {
		return "", errs.Transient("start user stream", errors.New("response carried no listenKey"))
	}
	p.log.WithComponent("listen_key").WithField("account", account).Debug("listen key created")
	return key, nil
}

func (p *PortfolioListenKeys) Renew(ctx context.Context, token string) (string, error) {
	if err := p.client.NewKeepaliveUserStreamService().ListenKey(token).Do(ctx); err != nil {
		return "", classifyAPIError("keepalive user stream", err)
	}
	return token, nil
}

func (p *PortfolioListenKeys) Release(ctx context.Context, token string) error {
	if err := p.client.NewCloseUserStreamService().ListenKey(token).Do(ctx); err != nil {
		return classifyAPIError("close user stream", err)
	}
	return nil
}
