package server

import (
	"errors"
	"net/http"

	"github.com/itua234/gifty/internal/escrow"
	"github.com/itua234/gifty/internal/idempotency"
	"github.com/itua234/gifty/internal/ledger"
	"github.com/itua234/gifty/internal/oracle"
)

var errorStatus = []struct {
	err    error
	status int
}{
	{escrow.ErrNotFound, http.StatusNotFound},
	{escrow.ErrNotAuthorized, http.StatusForbidden},
	{escrow.ErrInvalidSecret, http.StatusUnauthorized},
	{escrow.ErrAlreadyFinalized, http.StatusConflict},
	{escrow.ErrNotYetExpired, http.StatusConflict},
	{escrow.ErrZeroAmount, http.StatusUnprocessableEntity},
	{escrow.ErrInvalidFunder, http.StatusUnprocessableEntity},
	{escrow.ErrInvalidClaimant, http.StatusUnprocessableEntity},
	{escrow.ErrInvalidChannel, http.StatusUnprocessableEntity},
	{escrow.ErrInvalidFeeRate, http.StatusUnprocessableEntity},
	{escrow.ErrAmountOverflow, http.StatusUnprocessableEntity},
	{escrow.ErrPayoutFailed, http.StatusBadGateway},
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity},
	{ledger.ErrInvalidAmount, http.StatusUnprocessableEntity},
	{ledger.ErrInvalidAccount, http.StatusUnprocessableEntity},
	{oracle.ErrOracleUnavailable, http.StatusServiceUnavailable},
	{oracle.ErrInvalidRate, http.StatusBadGateway},
	{idempotency.ErrKeyMismatch, http.StatusUnprocessableEntity},
	{idempotency.ErrInFlight, http.StatusConflict},
	{errInvalidBody, http.StatusBadRequest},
	{errInvalidAmount, http.StatusBadRequest},
}

func statusFor(err error) int {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
