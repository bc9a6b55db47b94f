package rpc

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"haggle/native/negotiation"
)

type negotiationCreateParams struct {
	Seller                string  `json:"seller"`
	SessionID             uint64  `json:"sessionId"`
	Token                 string  `json:"token,omitempty"`
	EscrowAmount          string  `json:"escrowAmount"`
	Service               string  `json:"service,omitempty"`
	ServiceHash           string  `json:"serviceHash,omitempty"`
	MaxRounds             *uint8  `json:"maxRounds,omitempty"`
	DecayRateBps          *uint16 `json:"decayRateBps,omitempty"`
	ResponseWindowSeconds *int64  `json:"responseWindowSeconds,omitempty"`
	DeadlineOffsetSeconds *int64  `json:"deadlineOffsetSeconds,omitempty"`
	MinOfferBps           *uint16 `json:"minOfferBps,omitempty"`
	ProtocolFeeBps        *uint16 `json:"protocolFeeBps,omitempty"`
	Zopa                  bool    `json:"zopa,omitempty"`
}

type negotiationIDParams struct {
	ID string `json:"id"`
}

type negotiationOfferParams struct {
	ID       string `json:"id"`
	Amount   string `json:"amount"`
	Metadata string `json:"metadata,omitempty"`
}

type negotiationCommitParams struct {
	ID         string `json:"id"`
	Commitment string `json:"commitment"`
}

type negotiationRevealParams struct {
	ID         string `json:"id"`
	BuyerMax   string `json:"buyerMax"`
	BuyerSalt  string `json:"buyerSalt"`
	SellerMin  string `json:"sellerMin"`
	SellerSalt string `json:"sellerSalt"`
}

type negotiationListParams struct {
	Address string `json:"address"`
}

type adminPausedParams struct {
	Paused bool `json:"paused"`
}

type adminTreasuryParams struct {
	Treasury string `json:"treasury"`
}

type zopaRevealResult struct {
	Negotiation NegotiationResult `json:"negotiation"`
	Midpoint    string            `json:"midpoint"`
}

type closeResult struct {
	ID        string `json:"id"`
	Reclaimed string `json:"reclaimed"`
}

// buildCreateParams resolves omitted parameters from the registry defaults
// and then from the server's configured defaults.
func (s *Server) buildCreateParams(p negotiationCreateParams) (negotiation.Params, error) {
	reg, err := s.node.NegotiationRegistry()
	if err != nil {
		return negotiation.Params{}, err
	}
	escrow, err := parseAmount("escrowAmount", p.EscrowAmount)
	if err != nil {
		return negotiation.Params{}, err
	}
	params := negotiation.Params{
		Token:                s.cfg.Defaults.Token,
		EscrowAmount:         escrow,
		MaxRounds:            reg.Defaults.MaxRounds,
		DecayRateBps:         reg.Defaults.DecayRateBps,
		ResponseWindow:       reg.Defaults.ResponseWindow,
		GlobalDeadlineOffset: s.cfg.Defaults.DeadlineOffset,
		MinOfferBps:          s.cfg.Defaults.MinOfferBps,
		ProtocolFeeBps:       reg.Defaults.ProtocolFeeBps,
		ZopaEnabled:          p.Zopa,
	}
	if strings.TrimSpace(p.Token) != "" {
		params.Token = p.Token
	}
	switch {
	case strings.TrimSpace(p.ServiceHash) != "":
		hash, err := parseHash32("serviceHash", p.ServiceHash)
		if err != nil {
			return negotiation.Params{}, err
		}
		params.ServiceHash = hash
	case p.Service != "":
		params.ServiceHash = negotiation.ServiceHash(p.Service)
	}
	if p.MaxRounds != nil {
		params.MaxRounds = *p.MaxRounds
	}
	if p.DecayRateBps != nil {
		params.DecayRateBps = *p.DecayRateBps
	}
	if p.ResponseWindowSeconds != nil {
		params.ResponseWindow = *p.ResponseWindowSeconds
	}
	if p.DeadlineOffsetSeconds != nil {
		params.GlobalDeadlineOffset = *p.DeadlineOffsetSeconds
	}
	if p.MinOfferBps != nil {
		params.MinOfferBps = *p.MinOfferBps
	}
	if p.ProtocolFeeBps != nil {
		params.ProtocolFeeBps = *p.ProtocolFeeBps
	}
	return params, nil
}

func (s *Server) handleNegotiationCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params negotiationCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddress("seller", params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if seller == caller {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "buyer and seller must differ")
		return
	}
	createParams, err := s.buildCreateParams(params)
	if err != nil {
		if errors.Is(err, negotiation.ErrNotFound) || errors.Is(err, negotiation.ErrInvalidState) {
			writeNegotiationError(w, req.ID, err)
			return
		}
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	n, err := s.node.NegotiationCreate(r.Context(), caller, seller, params.SessionID, createParams)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, negotiationResult(n))
}

// handleActorTransition runs a transition that only needs the negotiation id
// and the authenticated caller.
func (s *Server) handleActorTransition(w http.ResponseWriter, req *RPCRequest, fn func(id [32]byte) (interface{}, error)) {
	var params negotiationIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseNegotiationID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	result, err := fn(id)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleNegotiationAcceptInvitation(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	s.handleActorTransition(w, req, func(id [32]byte) (interface{}, error) {
		n, err := s.node.NegotiationAcceptInvitation(r.Context(), id, caller)
		if err != nil {
			return nil, err
		}
		return negotiationResult(n), nil
	})
}

func (s *Server) handleNegotiationAccept(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	s.handleActorTransition(w, req, func(id [32]byte) (interface{}, error) {
		n, settlement, err := s.node.NegotiationAccept(r.Context(), id, caller)
		if err != nil {
			return nil, err
		}
		return SettlementResult{
			Negotiation:      negotiationResult(n),
			SettledAmount:    formatUint(settlement.SettledAmount),
			ProtocolFee:      formatUint(settlement.ProtocolFee),
			SellerPayout:     formatUint(settlement.SellerPayout),
			BuyerRefund:      formatUint(settlement.BuyerRefund),
			EscrowDecayTotal: formatUint(settlement.EscrowDecayTotal),
		}, nil
	})
}

func (s *Server) handleNegotiationReject(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	s.handleActorTransition(w, req, func(id [32]byte) (interface{}, error) {
		n, refund, err := s.node.NegotiationReject(r.Context(), id, caller)
		if err != nil {
			return nil, err
		}
		return RefundResult{Negotiation: negotiationResult(n), Refund: formatUint(refund)}, nil
	})
}

func (s *Server) handleNegotiationExpire(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	s.handleActorTransition(w, req, func(id [32]byte) (interface{}, error) {
		n, refund, err := s.node.NegotiationExpire(r.Context(), id, caller)
		if err != nil {
			return nil, err
		}
		return RefundResult{Negotiation: negotiationResult(n), Refund: formatUint(refund)}, nil
	})
}

func (s *Server) handleNegotiationClose(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	s.handleActorTransition(w, req, func(id [32]byte) (interface{}, error) {
		reclaimed, err := s.node.NegotiationClose(r.Context(), id, caller)
		if err != nil {
			return nil, err
		}
		return closeResult{ID: formatNegotiationID(id), Reclaimed: formatUint(reclaimed)}, nil
	})
}

func (s *Server) handleNegotiationSubmitOffer(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params negotiationOfferParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseNegotiationID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	metadata, err := negotiation.EncodeMetadata(params.Metadata)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	n, err := s.node.NegotiationSubmitOffer(r.Context(), id, caller, amount, metadata)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, negotiationResult(n))
}

func (s *Server) handleNegotiationCommitReservation(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params negotiationCommitParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseNegotiationID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	commitment, err := parseHash32("commitment", params.Commitment)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	n, err := s.node.NegotiationCommitReservation(r.Context(), id, caller, commitment)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, negotiationResult(n))
}

func (s *Server) handleNegotiationRevealZopa(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params negotiationRevealParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseNegotiationID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	buyerMax, err := parseAmount("buyerMax", params.BuyerMax)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	sellerMin, err := parseAmount("sellerMin", params.SellerMin)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	buyerSalt, err := parseHash32("buyerSalt", params.BuyerSalt)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	sellerSalt, err := parseHash32("sellerSalt", params.SellerSalt)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	// Either party may publish both openings once they have exchanged them.
	current, err := s.node.NegotiationGet(id)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	if _, ok := current.SideOf(caller); !ok {
		writeNegotiationError(w, req.ID, negotiation.ErrUnauthorized)
		return
	}
	n, midpoint, err := s.node.NegotiationRevealZopa(r.Context(), id, buyerMax, buyerSalt, sellerMin, sellerSalt)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, zopaRevealResult{Negotiation: negotiationResult(n), Midpoint: formatUint(midpoint)})
}

func (s *Server) handleNegotiationGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest, _ [20]byte) {
	var params negotiationIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseNegotiationID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	n, err := s.node.NegotiationGet(id)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, negotiationResult(n))
}

func (s *Server) handleNegotiationList(w http.ResponseWriter, _ *http.Request, req *RPCRequest, _ [20]byte) {
	var params negotiationListParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	list, err := s.node.NegotiationsFor(addr)
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	out := make([]NegotiationResult, 0, len(list))
	for _, n := range list {
		out = append(out, negotiationResult(n))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleNegotiationRegistry(w http.ResponseWriter, _ *http.Request, req *RPCRequest, _ [20]byte) {
	reg, err := s.node.NegotiationRegistry()
	if err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, registryResult(reg))
}

func (s *Server) handleNegotiationHistory(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeUnavailable, "indexer_disabled", nil)
		return
	}
	var params negotiationIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseNegotiationID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	records, err := s.history.History(r.Context(), hex.EncodeToString(id[:]))
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	entries, err := historyEntries(records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, entries)
}

func (s *Server) handleAdminSetPaused(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params adminPausedParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.NegotiationSetPaused(r.Context(), caller, params.Paused); err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	s.handleNegotiationRegistry(w, r, req, caller)
}

func (s *Server) handleAdminSetTreasury(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params adminTreasuryParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	treasury, err := parseAddress("treasury", params.Treasury)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.NegotiationSetTreasury(r.Context(), caller, treasury); err != nil {
		writeNegotiationError(w, req.ID, err)
		return
	}
	s.handleNegotiationRegistry(w, r, req, caller)
}
