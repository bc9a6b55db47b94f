package rpc

import (
	"errors"
	"net/http"

	"haggle/core"
	"haggle/core/state"
	"haggle/crypto"
	"haggle/native/negotiation"
)

// errorMappings pair a sentinel with the HTTP status, JSON-RPC code and stable
// message clients match on. The first match wins.
var errorMappings = []struct {
	target  error
	status  int
	code    int
	message string
}{
	{negotiation.ErrNotFound, http.StatusNotFound, codeNotFound, "not_found"},
	{negotiation.ErrUnauthorized, http.StatusForbidden, codeForbidden, "unauthorized_caller"},
	{negotiation.ErrNotYourTurn, http.StatusConflict, codeConflict, "not_your_turn"},
	{negotiation.ErrInvalidState, http.StatusConflict, codeConflict, "invalid_state"},
	{negotiation.ErrExpired, http.StatusConflict, codeConflict, "expired"},
	{negotiation.ErrResponseWindowExpired, http.StatusConflict, codeConflict, "response_window_expired"},
	{negotiation.ErrMaxRoundsReached, http.StatusConflict, codeConflict, "max_rounds_reached"},
	{negotiation.ErrOfferTooLow, http.StatusBadRequest, codeInvalidParams, "offer_too_low"},
	{negotiation.ErrOfferExceedsEscrow, http.StatusBadRequest, codeInvalidParams, "offer_exceeds_escrow"},
	{negotiation.ErrInvalidParams, http.StatusBadRequest, codeInvalidParams, "invalid_params"},
	{negotiation.ErrZopaCommitmentMismatch, http.StatusBadRequest, codeInvalidParams, "zopa_commitment_mismatch"},
	{negotiation.ErrNoZopa, http.StatusConflict, codeConflict, "no_zopa"},
	{negotiation.ErrPaused, http.StatusServiceUnavailable, codeUnavailable, "paused"},
	{negotiation.ErrOverflow, http.StatusInternalServerError, codeServerError, "overflow"},
	{state.ErrInsufficientBalance, http.StatusConflict, codeConflict, "insufficient_balance"},
	{core.ErrFaucetDisabled, http.StatusForbidden, codeForbidden, "faucet_disabled"},
	{crypto.ErrInvalidAddress, http.StatusBadRequest, codeInvalidParams, "invalid_params"},
}

func writeNegotiationError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, id, m.code, m.message, err.Error())
			return
		}
	}
	writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", err.Error())
}
