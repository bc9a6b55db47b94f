package negotiation

import "errors"

var (
	ErrInvalidState           = errors.New("negotiation: invalid state for this operation")
	ErrUnauthorized           = errors.New("negotiation: not authorized")
	ErrNotYourTurn            = errors.New("negotiation: not your turn to make an offer")
	ErrExpired                = errors.New("negotiation: expired")
	ErrResponseWindowExpired  = errors.New("negotiation: response window expired")
	ErrOfferTooLow            = errors.New("negotiation: offer amount too low")
	ErrOfferExceedsEscrow     = errors.New("negotiation: offer exceeds effective escrow")
	ErrMaxRoundsReached       = errors.New("negotiation: maximum rounds reached")
	ErrInvalidParams          = errors.New("negotiation: invalid parameters")
	ErrPaused                 = errors.New("negotiation: protocol paused")
	ErrZopaCommitmentMismatch = errors.New("negotiation: zopa commitment mismatch")
	ErrNoZopa                 = errors.New("negotiation: no zone of possible agreement")
	ErrOverflow               = errors.New("negotiation: arithmetic overflow")
	ErrNotFound               = errors.New("negotiation: not found")

	errNilState = errors.New("negotiation engine: state not configured")
)
