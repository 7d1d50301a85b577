// Package client talks to the account service over HTTP.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type Config struct {
	BaseURL          string
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// AccountClient fetches canonical balances. Calls go through a circuit breaker; a missing
// account is an answer, not a failure, so it never trips the breaker.
type AccountClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

func NewAccountClient(cfg Config, logger *slog.Logger) *AccountClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}

	c := &AccountClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "account-service",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || stderrors.Is(err, errors.ErrAccountNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

type balanceEnvelope struct {
	Data *struct {
		AccountID string          `json:"account_id"`
		Balance   decimal.Decimal `json:"balance"`
		Sequence  int64           `json:"sequence"`
	} `json:"data"`
	Error *errors.AppError `json:"error"`
}

// GetBalance returns the canonical balance of accountID. It fails with ErrAccountNotFound,
// ErrValidationTimeout, or ErrValidationUnavailable when the account service errors or the
// breaker is open.
func (c *AccountClient) GetBalance(ctx context.Context, accountID string) (domain.BalanceSnapshot, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, accountID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			c.logger.Warn("Account service unavailable, breaker rejecting calls", "account_id", accountID)
			return domain.BalanceSnapshot{}, errors.ErrValidationUnavailable.WithDetails(err.Error())
		}
		return domain.BalanceSnapshot{}, err
	}
	return result.(domain.BalanceSnapshot), nil
}

func (c *AccountClient) fetch(ctx context.Context, accountID string) (domain.BalanceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/accounts/%s/balance", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.BalanceSnapshot{}, errors.NewAppError(errors.InternalError, "failed to build request").WithDetails(err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			c.logger.Warn("Account validation timed out", "account_id", accountID, "timeout", c.timeout)
			return domain.BalanceSnapshot{}, errors.ErrValidationTimeout.WithDetails(err.Error())
		}
		c.logger.Error("Account validation request failed", "account_id", accountID, "error", err)
		return domain.BalanceSnapshot{}, errors.ErrValidationUnavailable.WithDetails(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.BalanceSnapshot{}, errors.ErrAccountNotFound
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("Account service error", "account_id", accountID, "status", resp.StatusCode)
		return domain.BalanceSnapshot{}, errors.ErrValidationUnavailable.WithDetails(fmt.Sprintf("account service returned %d", resp.StatusCode))
	}

	var body balanceEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if isTimeout(err) {
			return domain.BalanceSnapshot{}, errors.ErrValidationTimeout.WithDetails(err.Error())
		}
		return domain.BalanceSnapshot{}, errors.NewAppErrorf(errors.InternalError, "unreadable account service response (status %d)", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK || body.Data == nil {
		msg := http.StatusText(resp.StatusCode)
		if body.Error != nil {
			msg = body.Error.Message
		}
		return domain.BalanceSnapshot{}, errors.NewAppErrorf(errors.InternalError, "account service returned %d: %s", resp.StatusCode, msg)
	}

	return domain.BalanceSnapshot{Balance: body.Data.Balance, Sequence: body.Data.Sequence}, nil
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
