package rpc

import (
	"net/http"
	"strings"
)

type accountBalanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

type accountFaucetParams struct {
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount,omitempty"`
}

func (s *Server) resolveToken(token string) string {
	if trimmed := strings.TrimSpace(token); trimmed != "" {
		return trimmed
	}
	return s.cfg.Defaults.Token
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest, _ [20]byte) {
	var params accountBalanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	token := s.resolveToken(params.Token)
	balance, err := s.node.Balance(addr, token)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{
		Address: formatAddress(addr),
		Token:   strings.ToUpper(token),
		Balance: balance.Dec(),
	})
}

// handleAccountFaucet mints development funds to the authenticated caller.
// The node refuses unless the faucet was enabled in configuration.
func (s *Server) handleAccountFaucet(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params accountFaucetParams
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	amount := s.cfg.FaucetAmount
	if strings.TrimSpace(params.Amount) != "" {
		requested, err := parseAmount("amount", params.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		if s.cfg.FaucetAmount > 0 && requested > s.cfg.FaucetAmount {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "amount exceeds faucet limit")
			return
		}
		amount = requested
	}
	if amount == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "amount must be positive")
		return
	}
	token := s.resolveToken(params.Token)
	balance, err := s.node.Faucet(r.Context(), caller, token, amount)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{
		Address: formatAddress(caller),
		Token:   strings.ToUpper(token),
		Balance: balance.Dec(),
	})
}
